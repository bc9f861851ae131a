package gate_test

import (
	"testing"

	"deedline/internal/config"
	"deedline/internal/domain"
	"deedline/internal/gate"
)

func stages() []config.Stage {
	return []config.Stage{
		{Role: "staff1", Requires: []string{}},
		{Role: "staff2", Requires: []string{"staff1"}},
		{Role: "staff3", Requires: []string{"staff1"}},
		{Role: "admin", Requires: []string{"staff1", "staff2", "staff3"}, Final: true},
	}
}

func vector(states map[string]string) []domain.ApprovalRecord {
	var v []domain.ApprovalRecord
	for _, role := range []string{"staff1", "staff2", "staff3", "admin"} {
		state := states[role]
		if state == "" {
			state = domain.ApprovalPending
		}
		v = append(v, domain.ApprovalRecord{FormID: "f1", Role: role, State: state})
	}
	return v
}

func TestCapability(t *testing.T) {
	cases := []struct {
		name   string
		role   string
		states map[string]string
		want   gate.Level
	}{
		{"first stage opens immediately", "staff1", nil, gate.LevelApprove},
		{"second stage closed before staff1", "staff2", nil, gate.LevelNone},
		{"second stage opens after staff1", "staff2", map[string]string{"staff1": "approved"}, gate.LevelApprove},
		{"parallel stage opens independently", "staff3", map[string]string{"staff1": "approved"}, gate.LevelApprove},
		{"decided role drops to read", "staff1", map[string]string{"staff1": "approved"}, gate.LevelRead},
		{"rejected role drops to read", "staff1", map[string]string{"staff1": "rejected"}, gate.LevelRead},
		{"admin always approves", "admin", nil, gate.LevelApprove},
		{"final stage waits on parallel pair", "admin", map[string]string{"staff1": "approved", "staff2": "approved"}, gate.LevelApprove},
		{"unknown role gets nothing", "staff4", map[string]string{"staff1": "approved"}, gate.LevelNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := gate.Capability(tc.role, vector(tc.states), stages())
			if got != tc.want {
				t.Fatalf("Capability(%s) = %s, want %s", tc.role, got, tc.want)
			}
		})
	}
}

func TestUnmet(t *testing.T) {
	required, ok := gate.Unmet("staff2", vector(nil), stages())
	if ok || required != "staff1" {
		t.Fatalf("expected staff1 unmet, got %q ok=%v", required, ok)
	}
	_, ok = gate.Unmet("staff2", vector(map[string]string{"staff1": "approved"}), stages())
	if !ok {
		t.Fatalf("expected gate open after staff1 approval")
	}
	// Rejection never satisfies a prerequisite.
	required, ok = gate.Unmet("staff2", vector(map[string]string{"staff1": "rejected"}), stages())
	if ok || required != "staff1" {
		t.Fatalf("rejected prerequisite must keep gate closed, got %q ok=%v", required, ok)
	}
}

func TestNextRequiredRole(t *testing.T) {
	if got := gate.NextRequiredRole(vector(nil), stages()); got != "staff1" {
		t.Fatalf("expected staff1 first, got %q", got)
	}
	got := gate.NextRequiredRole(vector(map[string]string{"staff1": "approved"}), stages())
	if got != "staff2" {
		t.Fatalf("expected staff2 after staff1, got %q", got)
	}
	got = gate.NextRequiredRole(vector(map[string]string{
		"staff1": "approved", "staff2": "approved", "staff3": "approved", "admin": "approved",
	}), stages())
	if got != "" {
		t.Fatalf("finished pipeline should have no next role, got %q", got)
	}
	// A rejection blocks everything downstream of it.
	got = gate.NextRequiredRole(vector(map[string]string{"staff1": "rejected"}), stages())
	if got != "" {
		t.Fatalf("rejected pipeline should have no next role, got %q", got)
	}
}

func TestAssignable(t *testing.T) {
	cases := []struct {
		name   string
		role   string
		states map[string]string
		want   bool
	}{
		{"first stage open immediately", "staff1", nil, true},
		{"second stage closed before staff1", "staff2", nil, false},
		{"parallel stages both open", "staff2", map[string]string{"staff1": "approved"}, true},
		{"staff3 open while staff2 pending", "staff3", map[string]string{"staff1": "approved"}, true},
		{"decided stage closes again", "staff3", map[string]string{"staff1": "approved", "staff3": "approved"}, false},
		{"admin open while pending", "admin", nil, true},
		{"admin closed once decided", "admin", map[string]string{"admin": "approved"}, false},
		{"unknown role never assignable", "staff4", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := gate.Assignable(tc.role, vector(tc.states), stages())
			if got != tc.want {
				t.Fatalf("Assignable(%s) = %v, want %v", tc.role, got, tc.want)
			}
		})
	}
}

func TestProject(t *testing.T) {
	payload := map[string]string{"a": "1", "b": "2", "c": "3"}
	got := gate.Project(payload, []string{"a", "c", "missing"})
	if len(got) != 2 || got["a"] != "1" || got["c"] != "3" {
		t.Fatalf("unexpected projection %v", got)
	}
	full := gate.Project(payload, []string{"*"})
	if len(full) != 3 {
		t.Fatalf("wildcard should return full payload, got %v", full)
	}
	full["a"] = "mutated"
	if payload["a"] != "1" {
		t.Fatalf("projection must copy, not alias")
	}
	if len(gate.Project(payload, nil)) != 0 {
		t.Fatalf("empty allowlist projects nothing")
	}
}

func TestAllowed(t *testing.T) {
	if !gate.Allowed("x", []string{"*"}) {
		t.Fatalf("wildcard allows everything")
	}
	if !gate.Allowed("a", []string{"a", "b"}) || gate.Allowed("c", []string{"a", "b"}) {
		t.Fatalf("exact-match allowlist broken")
	}
}
