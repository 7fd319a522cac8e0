package domain

import (
	"errors"
	"testing"
)

func TestItemTransitions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		from ItemStatus
		to   ItemStatus
		ok   bool
	}{
		{"claim", ItemNew, ItemRegistering, true},
		{"continuation claim", ItemNew, ItemConnecting, true},
		{"register to profile", ItemRegistering, ItemProfiling, true},
		{"park for stacking", ItemProfiling, ItemConnect, true},
		{"promote", ItemConnect, ItemConnecting, true},
		{"stacking done", ItemConnecting, ItemFinish, true},
		{"lease expiry requeue", ItemRegistering, ItemNew, true},
		{"realloc retry", ItemFailed, ItemNew, true},
		{"cancel anywhere", ItemConnect, ItemCancel, true},
		{"idempotent no-op", ItemFinish, ItemFinish, true},
		{"connect not claimable", ItemConnect, ItemRegistering, false},
		{"finish is terminal", ItemFinish, ItemNew, false},
		{"cancel is terminal", ItemCancel, ItemNew, false},
		{"new cannot finish directly", ItemNew, ItemFinish, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := CheckItemTransition(tt.from, tt.to)
			if tt.ok && err != nil {
				t.Fatalf("CheckItemTransition(%s, %s) = %v, want nil", tt.from, tt.to, err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatalf("CheckItemTransition(%s, %s) = nil, want error", tt.from, tt.to)
				}
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("error %v is not ErrInvalidTransition", err)
				}
			}
		})
	}
}

func TestRequestTransitions(t *testing.T) {
	t.Parallel()
	valid := [][2]RequestStatus{
		{RequestDraft, RequestNew},
		{RequestNew, RequestPending},
		{RequestPending, RequestRunning},
		{RequestRunning, RequestConnecting},
		{RequestRunning, RequestCompleted},
		{RequestConnecting, RequestCompleted},
		{RequestRunning, RequestCancel},
	}
	for _, v := range valid {
		if err := CheckRequestTransition(v[0], v[1]); err != nil {
			t.Fatalf("CheckRequestTransition(%s, %s) = %v, want nil", v[0], v[1], err)
		}
	}

	invalid := [][2]RequestStatus{
		{RequestDraft, RequestRunning},
		{RequestCompleted, RequestRunning},
		{RequestCancel, RequestNew},
		{RequestPending, RequestNew},
	}
	for _, v := range invalid {
		err := CheckRequestTransition(v[0], v[1])
		if err == nil {
			t.Fatalf("CheckRequestTransition(%s, %s) = nil, want error", v[0], v[1])
		}
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("error %v is not ErrInvalidTransition", err)
		}
	}
}

func TestItemStatusClaimed(t *testing.T) {
	t.Parallel()
	claimed := []ItemStatus{ItemRegistering, ItemProfiling, ItemConnecting}
	for _, s := range claimed {
		if !s.Claimed() {
			t.Fatalf("%s should be a claimed status", s)
		}
	}
	for _, s := range []ItemStatus{ItemNew, ItemConnect, ItemFinish, ItemFailed, ItemCancel} {
		if s.Claimed() {
			t.Fatalf("%s should not be a claimed status", s)
		}
	}
}

func TestParseRequestConfig(t *testing.T) {
	t.Parallel()
	rc, err := ParseRequestConfig([]byte(`{"count": 10, "stack": "all", "note": "extra keys ok"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rc.Count != 10 || rc.Stack != StackAll {
		t.Fatalf("unexpected config: %+v", rc)
	}
	th, ok := rc.StackThreshold()
	if !ok || th != 10 {
		t.Fatalf("StackThreshold = %d, %v; want 10, true", th, ok)
	}

	rc, err = ParseRequestConfig([]byte(`{"count": 50, "stack": "limit", "stack_limit": 5}`))
	if err != nil {
		t.Fatalf("parse limit: %v", err)
	}
	th, ok = rc.StackThreshold()
	if !ok || th != 5 {
		t.Fatalf("StackThreshold = %d, %v; want 5, true", th, ok)
	}

	if _, err := ParseRequestConfig([]byte(`{"count": 0}`)); err == nil {
		t.Fatal("expected error for zero count")
	}
	if _, err := ParseRequestConfig([]byte(`{"count": 1, "stack": "limit"}`)); err == nil {
		t.Fatal("expected error for limit without stack_limit")
	}
	if _, err := ParseRequestConfig([]byte(`{"count": 1, "stack": "bogus"}`)); err == nil {
		t.Fatal("expected error for unknown policy")
	}

	rc, err = ParseRequestConfig([]byte(`{"count": 3}`))
	if err != nil {
		t.Fatalf("parse default: %v", err)
	}
	if rc.Stack != StackDisable {
		t.Fatalf("default stack = %s, want disable", rc.Stack)
	}
	if _, ok := rc.StackThreshold(); ok {
		t.Fatal("disable policy should have no threshold")
	}
}
