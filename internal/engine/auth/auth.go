// Package auth maps caller roles to the governance actions they may invoke.
// The CLI runs as admin by default (local trust); the HTTP API derives the
// role from token claims and enforces this table on every mutation.
package auth

import "fmt"

// ForbiddenError indicates the caller's role does not allow an action.
type ForbiddenError struct {
	Role   string
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s may not perform %s", e.Role, e.Action)
}

var operatorActions = []string{
	"claim", "preflight", "heartbeat", "done", "note", "fail", "handover", "resume",
}

var roleActions = map[string][]string{
	"operator": operatorActions,
	"reviewer": {"review-claim", "review-submit"},
	"supervisor": append([]string{
		"preflight-approve", "preflight-return", "reset", "closeout-l2", "log-mode",
	}, operatorActions...),
}

// Valid reports whether role is part of the role table.
func Valid(role string) bool {
	switch role {
	case "operator", "reviewer", "supervisor", "admin":
		return true
	}
	return false
}

// Allowed reports whether role may invoke action. admin may do everything.
func Allowed(role, action string) bool {
	if role == "admin" {
		return true
	}
	for _, a := range roleActions[role] {
		if a == action {
			return true
		}
	}
	return false
}

// Ensure returns ForbiddenError unless role may invoke action.
func Ensure(role, action string) error {
	if Allowed(role, action) {
		return nil
	}
	return ForbiddenError{Role: role, Action: action}
}
