package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ItemStatus is the lifecycle state of one allocation item.
//
// CONNECT is deliberately not claimable: it parks items that produced a
// profile until the aggregate stacking threshold is met, at which point the
// stacking trigger promotes them to CONNECTING.
type ItemStatus string

const (
	ItemNew         ItemStatus = "NEW"
	ItemRegistering ItemStatus = "REGISTERING"
	ItemProfiling   ItemStatus = "PROFILING"
	ItemConnect     ItemStatus = "CONNECT"
	ItemConnecting  ItemStatus = "CONNECTING"
	ItemFinish      ItemStatus = "FINISH"
	ItemFailed      ItemStatus = "FAILED"
	ItemCancel      ItemStatus = "CANCEL"
)

// RequestStatus is the lifecycle state of a work request.
type RequestStatus string

const (
	RequestDraft      RequestStatus = "DRAFT"
	RequestNew        RequestStatus = "NEW"
	RequestPending    RequestStatus = "PENDING"
	RequestRunning    RequestStatus = "RUNNING"
	RequestConnecting RequestStatus = "CONNECTING"
	RequestCompleted  RequestStatus = "COMPLETED"
	RequestCancel     RequestStatus = "CANCEL"
)

// ErrBadInput marks caller-supplied values that fail validation.
var ErrBadInput = errors.New("bad input")

// ErrInvalidTransition is returned when a transition is not listed in the
// table. Callers must not retry blindly; the wrapped message names the
// current state, the attempted state and the allowed next states.
var ErrInvalidTransition = errors.New("invalid state transition")

var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemNew:         {ItemRegistering, ItemConnecting, ItemCancel},
	ItemRegistering: {ItemProfiling, ItemConnect, ItemConnecting, ItemFinish, ItemFailed, ItemNew, ItemCancel},
	ItemProfiling:   {ItemConnect, ItemConnecting, ItemFinish, ItemFailed, ItemNew, ItemCancel},
	ItemConnect:     {ItemConnecting, ItemCancel},
	ItemConnecting:  {ItemFinish, ItemFailed, ItemCancel},
	ItemFinish:      nil,
	ItemFailed:      {ItemNew, ItemCancel}, // reallocation retry path
	ItemCancel:      nil,
}

var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestDraft:      {RequestNew, RequestCancel},
	RequestNew:        {RequestPending, RequestCancel},
	RequestPending:    {RequestRunning, RequestCompleted, RequestCancel},
	RequestRunning:    {RequestConnecting, RequestCompleted, RequestCancel},
	RequestConnecting: {RequestCompleted, RequestCancel},
	RequestCompleted:  nil,
	RequestCancel:     nil,
}

// Terminal reports whether no outgoing edges exist for the status.
func (s ItemStatus) Terminal() bool {
	return s == ItemFinish || s == ItemFailed || s == ItemCancel
}

// Claimed reports whether the status implies an active lease.
func (s ItemStatus) Claimed() bool {
	return s == ItemRegistering || s == ItemProfiling || s == ItemConnecting
}

func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestCancel
}

// CheckItemTransition validates from -> to against the item table.
// A self-transition is an idempotent no-op and is always accepted.
func CheckItemTransition(from, to ItemStatus) error {
	if from == to {
		return nil
	}
	for _, next := range itemTransitions[from] {
		if next == to {
			return nil
		}
	}
	return transitionErr(string(from), string(to), itemNames(itemTransitions[from]))
}

// CheckRequestTransition validates from -> to against the request table.
func CheckRequestTransition(from, to RequestStatus) error {
	if from == to {
		return nil
	}
	for _, next := range requestTransitions[from] {
		if next == to {
			return nil
		}
	}
	return transitionErr(string(from), string(to), requestNames(requestTransitions[from]))
}

// AllowedItemTransitions lists the legal next states, sorted for stable output.
func AllowedItemTransitions(from ItemStatus) []ItemStatus {
	out := append([]ItemStatus(nil), itemTransitions[from]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func transitionErr(from, to string, allowed []string) error {
	next := "none (terminal)"
	if len(allowed) > 0 {
		next = strings.Join(allowed, ", ")
	}
	return fmt.Errorf("%w: %s -> %s (allowed next: %s)", ErrInvalidTransition, from, to, next)
}

func itemNames(ss []ItemStatus) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, string(s))
	}
	sort.Strings(out)
	return out
}

func requestNames(ss []RequestStatus) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, string(s))
	}
	sort.Strings(out)
	return out
}

// ParseItemStatus validates an agent/operator supplied status string.
func ParseItemStatus(s string) (ItemStatus, error) {
	st := ItemStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case ItemNew, ItemRegistering, ItemProfiling, ItemConnect, ItemConnecting, ItemFinish, ItemFailed, ItemCancel:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown item status %q", ErrBadInput, s)
}
