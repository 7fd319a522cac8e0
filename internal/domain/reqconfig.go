package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StackPolicy controls the optional secondary "stacking" phase.
type StackPolicy string

const (
	// StackDisable: items finish after the primary phase.
	StackDisable StackPolicy = "disable"
	// StackCustom: items with a profile go straight to CONNECTING and are
	// immediately reclaimable for the secondary phase.
	StackCustom StackPolicy = "custom"
	// StackAll: items wait in CONNECT until every requested unit has a profile.
	StackAll StackPolicy = "all"
	// StackLimit: like StackAll but with a configured sub-limit threshold.
	StackLimit StackPolicy = "limit"
)

// RequestConfig is the typed view of a work request's free-form config blob.
// Unknown keys are preserved in the blob and ignored here; the blob travels
// to agents verbatim as the task payload.
type RequestConfig struct {
	// Count is the number of requested units (successful registrations wanted).
	Count int `json:"count"`

	Stack      StackPolicy `json:"stack,omitempty"`
	StackLimit int         `json:"stack_limit,omitempty"`
}

// ParseRequestConfig decodes the known keys out of a config blob.
// An absent stack key defaults to StackDisable.
func ParseRequestConfig(blob json.RawMessage) (RequestConfig, error) {
	var rc RequestConfig
	if len(blob) == 0 {
		return rc, fmt.Errorf("%w: empty request config", ErrBadInput)
	}
	if err := json.Unmarshal(blob, &rc); err != nil {
		return rc, fmt.Errorf("%w: parse request config: %v", ErrBadInput, err)
	}
	if rc.Count <= 0 {
		return rc, fmt.Errorf("%w: request config: count must be > 0", ErrBadInput)
	}
	switch StackPolicy(strings.ToLower(string(rc.Stack))) {
	case "", StackDisable:
		rc.Stack = StackDisable
	case StackCustom:
		rc.Stack = StackCustom
	case StackAll:
		rc.Stack = StackAll
	case StackLimit:
		rc.Stack = StackLimit
		if rc.StackLimit <= 0 {
			return rc, fmt.Errorf("%w: request config: stack_limit must be > 0 for stack=limit", ErrBadInput)
		}
	default:
		return rc, fmt.Errorf("%w: request config: unknown stack policy %q", ErrBadInput, rc.Stack)
	}
	return rc, nil
}

// StackThreshold returns the profile count that releases CONNECT items,
// and whether the policy uses a threshold at all.
func (rc RequestConfig) StackThreshold() (int, bool) {
	switch rc.Stack {
	case StackAll:
		return rc.Count, true
	case StackLimit:
		return rc.StackLimit, true
	default:
		return 0, false
	}
}
