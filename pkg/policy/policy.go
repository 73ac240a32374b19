package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/statusflow/statusflow/pkg/engine"
)

// Policy is a named Rego transition guard. Its deny rule receives the change
// request context as input and yields a set of human-readable denial reasons:
//
//	package statusflow.guards
//
//	deny contains msg if {
//	    input.to == "confirmedCompromised"
//	    not input.params.reason
//	    msg := "confirming compromise requires a reason parameter"
//	}
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`
}

// compiledPolicy pairs a policy with its prepared deny query.
type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// Guard evaluates Rego policies against change requests. It implements the
// transition engine's Guard interface.
type Guard struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// NewGuard creates a guard and compiles the given policies.
func NewGuard(logger zerolog.Logger, policies ...Policy) (*Guard, error) {
	g := &Guard{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-guard").Logger(),
	}
	for _, p := range policies {
		if err := g.Add(context.Background(), p); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Add compiles and registers a policy. An existing policy with the same name
// is replaced.
func (g *Guard) Add(ctx context.Context, p Policy) error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}

	query := fmt.Sprintf("data.%s.deny", extractPackageName(p.Rego))
	prepared, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
	}

	g.mu.Lock()
	g.policies[p.Name] = &compiledPolicy{policy: p, query: prepared}
	g.mu.Unlock()

	g.logger.Info().Str("policy", p.Name).Msg("policy registered")
	return nil
}

// Check evaluates every enabled policy against the change request context.
// Any denial fails the check with the collected reasons.
func (g *Guard) Check(ctx context.Context, in engine.GuardInput) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	input := map[string]any{
		"resource_id": in.ResourceID,
		"kind":        in.Kind,
		"from":        string(in.From),
		"to":          string(in.To),
		"params":      in.Params,
	}

	var reasons []string
	for _, cp := range g.policies {
		if !cp.policy.Enabled {
			continue
		}

		results, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			g.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("resource_id", in.ResourceID).
				Msg("policy evaluation failed")
			return fmt.Errorf("policy %s evaluation failed: %w", cp.policy.Name, err)
		}

		for _, result := range results {
			if len(result.Expressions) == 0 {
				continue
			}
			denySet, ok := result.Expressions[0].Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				reasons = append(reasons, fmt.Sprintf("%s: %v", cp.policy.Name, d))
			}
		}
	}

	if len(reasons) > 0 {
		sort.Strings(reasons)
		return fmt.Errorf("denied: %s", strings.Join(reasons, "; "))
	}
	return nil
}

// LoadDir loads every .rego file in dir as an enabled policy named after the
// file.
func LoadDir(dir string) ([]Policy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy directory: %w", err)
	}

	var policies []Policy
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".rego" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", entry.Name(), err)
		}
		policies = append(policies, Policy{
			Name:    strings.TrimSuffix(entry.Name(), ".rego"),
			Rego:    string(data),
			Enabled: true,
		})
	}
	return policies, nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(regoSrc string) string {
	for _, line := range strings.Split(regoSrc, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "statusflow.guards"
}
