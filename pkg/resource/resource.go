package resource

import (
	"encoding/json"
	"time"
)

// Status is a resource status value. The set of valid values is closed and
// resource-kind specific; it is defined by the Kind the resource belongs to,
// not by this type.
type Status string

// Resource is a domain entity whose side effects are modelled as status
// mutations. Status changes only through the transition engine, and only along
// the owning kind's transition table.
type Resource struct {
	// ID is the opaque unique identifier. Immutable.
	ID string `json:"id"`

	// Kind names the transition table and status enumeration that apply.
	Kind string `json:"kind"`

	// Status is the current committed status.
	Status Status `json:"status"`

	// DesiredStatus is the status the resource is transitioning toward.
	// It is set if and only if a non-terminal operation references the resource.
	DesiredStatus *Status `json:"desiredStatus,omitempty"`

	// StatusDetail carries auxiliary, resource-specific detail about the
	// current status.
	StatusDetail string `json:"statusDetail,omitempty"`

	// LastUpdated is the time of the last committed status change.
	LastUpdated time.Time `json:"lastUpdated"`

	// CreatedAt is when the resource was first stored.
	CreatedAt time.Time `json:"createdAt"`
}

// InFlight returns true while a transition is pending for the resource.
func (r *Resource) InFlight() bool {
	return r.DesiredStatus != nil
}

// ChangeRequest is the ephemeral input to the transition engine: a requested
// status for a target resource, plus optional resource-specific parameters.
// It is not persisted beyond processing.
type ChangeRequest struct {
	// ResourceID identifies the target resource.
	ResourceID string `json:"resourceId"`

	// Status is the requested target status.
	Status Status `json:"status"`

	// Params carries optional resource-specific parameters, e.g. a duration
	// in seconds for effects that disable something temporarily.
	Params map[string]any `json:"params,omitempty"`
}

// DurationParam returns the "duration" parameter as a time.Duration and true
// if the request carries one. JSON numbers arrive as float64; integer seconds
// are also accepted.
func (c *ChangeRequest) DurationParam() (time.Duration, bool) {
	v, ok := c.Params["duration"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return time.Duration(n * float64(time.Second)), true
	case int:
		return time.Duration(n) * time.Second, true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return time.Duration(f * float64(time.Second)), true
	default:
		return 0, false
	}
}
