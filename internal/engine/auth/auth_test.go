package auth_test

import (
	"errors"
	"testing"

	"github.com/daviddfraser-source/control-plane/internal/engine/auth"
)

func TestRoleTable(t *testing.T) {
	cases := []struct {
		role    string
		action  string
		allowed bool
	}{
		{"operator", "claim", true},
		{"operator", "heartbeat", true},
		{"operator", "reset", false},
		{"operator", "review-submit", false},
		{"reviewer", "review-claim", true},
		{"reviewer", "review-submit", true},
		{"reviewer", "claim", false},
		{"supervisor", "reset", true},
		{"supervisor", "preflight-approve", true},
		{"supervisor", "closeout-l2", true},
		{"supervisor", "done", true},
		{"supervisor", "review-submit", false},
		{"admin", "reset", true},
		{"admin", "review-submit", true},
		{"intern", "note", false},
	}
	for _, tc := range cases {
		if got := auth.Allowed(tc.role, tc.action); got != tc.allowed {
			t.Fatalf("Allowed(%s, %s) = %v, want %v", tc.role, tc.action, got, tc.allowed)
		}
	}
}

func TestEnsureReturnsForbiddenError(t *testing.T) {
	err := auth.Ensure("operator", "reset")
	if err == nil {
		t.Fatalf("expected error")
	}
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %T", err)
	}
	if forbidden.Role != "operator" || forbidden.Action != "reset" {
		t.Fatalf("unexpected error fields: %+v", forbidden)
	}
	if err := auth.Ensure("supervisor", "reset"); err != nil {
		t.Fatalf("supervisor reset: %v", err)
	}
}

func TestValidRoles(t *testing.T) {
	for _, role := range []string{"operator", "reviewer", "supervisor", "admin"} {
		if !auth.Valid(role) {
			t.Fatalf("expected %s to be a valid role", role)
		}
	}
	if auth.Valid("root") {
		t.Fatalf("unexpected valid role")
	}
}
