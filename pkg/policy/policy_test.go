package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/statusflow/statusflow/pkg/engine"
)

const denyCompromisedRego = `package statusflow.guards

deny contains msg if {
	input.to == "confirmedCompromised"
	not input.params.reason
	msg := "confirming compromise requires a reason parameter"
}
`

const denyKindRego = `package statusflow.kinds

deny contains msg if {
	input.kind == "frozen"
	msg := "frozen kinds accept no changes"
}
`

func TestGuardAllows(t *testing.T) {
	g, err := NewGuard(zerolog.Nop(), Policy{Name: "compromised", Rego: denyCompromisedRego, Enabled: true})
	if err != nil {
		t.Fatalf("NewGuard failed: %v", err)
	}

	err = g.Check(context.Background(), engine.GuardInput{
		ResourceID: "key-1",
		Kind:       "apiKey",
		From:       "active",
		To:         "confirmedCompromised",
		Params:     map[string]any{"reason": "leaked in logs"},
	})
	if err != nil {
		t.Errorf("expected check to pass, got %v", err)
	}
}

func TestGuardDenies(t *testing.T) {
	g, err := NewGuard(zerolog.Nop(), Policy{Name: "compromised", Rego: denyCompromisedRego, Enabled: true})
	if err != nil {
		t.Fatalf("NewGuard failed: %v", err)
	}

	err = g.Check(context.Background(), engine.GuardInput{
		ResourceID: "key-1",
		Kind:       "apiKey",
		From:       "active",
		To:         "confirmedCompromised",
	})
	if err == nil {
		t.Fatal("expected denial, got nil")
	}
	if !strings.Contains(err.Error(), "requires a reason") {
		t.Errorf("denial should carry the policy message, got %q", err.Error())
	}
}

func TestGuardDisabledPolicySkipped(t *testing.T) {
	g, err := NewGuard(zerolog.Nop(), Policy{Name: "kinds", Rego: denyKindRego, Enabled: false})
	if err != nil {
		t.Fatalf("NewGuard failed: %v", err)
	}

	err = g.Check(context.Background(), engine.GuardInput{
		ResourceID: "r-1",
		Kind:       "frozen",
		From:       "a",
		To:         "b",
	})
	if err != nil {
		t.Errorf("disabled policy should not deny, got %v", err)
	}
}

func TestGuardCompileError(t *testing.T) {
	_, err := NewGuard(zerolog.Nop(), Policy{Name: "broken", Rego: "this is not rego", Enabled: true})
	if err == nil {
		t.Fatal("expected compile error for invalid rego")
	}
}

func TestGuardCollectsAllDenials(t *testing.T) {
	g, err := NewGuard(zerolog.Nop(),
		Policy{Name: "compromised", Rego: denyCompromisedRego, Enabled: true},
		Policy{Name: "kinds", Rego: denyKindRego, Enabled: true},
	)
	if err != nil {
		t.Fatalf("NewGuard failed: %v", err)
	}

	err = g.Check(context.Background(), engine.GuardInput{
		ResourceID: "r-1",
		Kind:       "frozen",
		From:       "active",
		To:         "confirmedCompromised",
	})
	if err == nil {
		t.Fatal("expected denial")
	}
	if !strings.Contains(err.Error(), "compromised:") || !strings.Contains(err.Error(), "kinds:") {
		t.Errorf("expected both policies in the denial, got %q", err.Error())
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "kinds.rego"), []byte(denyKindRego), 0o644); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644); err != nil {
		t.Fatalf("failed to write extra file: %v", err)
	}

	policies, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(policies))
	}
	if policies[0].Name != "kinds" || !policies[0].Enabled {
		t.Errorf("unexpected policy: %+v", policies[0])
	}
}

func TestExtractPackageName(t *testing.T) {
	if got := extractPackageName(denyKindRego); got != "statusflow.kinds" {
		t.Errorf("expected statusflow.kinds, got %s", got)
	}
	if got := extractPackageName("no package here"); got != "statusflow.guards" {
		t.Errorf("expected default package, got %s", got)
	}
}
