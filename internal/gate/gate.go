package gate

import (
	"fmt"

	"deedline/internal/config"
	"deedline/internal/domain"
)

// Level is the capability a role holds over a form given the current
// approval vector.
type Level int

const (
	LevelNone Level = iota
	LevelRead
	LevelWrite
	LevelApprove
)

func (l Level) String() string {
	switch l {
	case LevelRead:
		return "read"
	case LevelWrite:
		return "write"
	case LevelApprove:
		return "approve"
	default:
		return "none"
	}
}

// AccessDeniedError indicates the role lacks capability for the action.
type AccessDeniedError struct {
	Role   string
	Action string
}

func (e AccessDeniedError) Error() string {
	return fmt.Sprintf("role %s lacks capability for %s", e.Role, e.Action)
}

// Capability is a pure function of the acting role, the form's approval
// vector and the configured pipeline. No database, no clock.
//
// Policy: admin always approves; a pipeline role gets write+approve while
// its own record is pending and every prerequisite role has approved,
// read-only once it has decided, and nothing at all before its stage gate
// opens (the form is invisible to that role's work queue).
func Capability(role string, vector []domain.ApprovalRecord, stages []config.Stage) Level {
	if role == domain.RoleAdmin {
		return LevelApprove
	}
	var stage *config.Stage
	for i := range stages {
		if stages[i].Role == role {
			stage = &stages[i]
			break
		}
	}
	if stage == nil {
		return LevelNone
	}
	states := stateByRole(vector)
	switch states[role] {
	case domain.ApprovalApproved, domain.ApprovalRejected:
		return LevelRead
	}
	for _, req := range stage.Requires {
		if states[req] != domain.ApprovalApproved {
			return LevelNone
		}
	}
	return LevelApprove
}

// Unmet returns the first prerequisite role that has not yet approved, in
// pipeline order. ok=true means the stage gate is satisfied.
func Unmet(role string, vector []domain.ApprovalRecord, stages []config.Stage) (required string, ok bool) {
	states := stateByRole(vector)
	for _, s := range stages {
		if s.Role != role {
			continue
		}
		for _, req := range s.Requires {
			if states[req] != domain.ApprovalApproved {
				return req, false
			}
		}
		return "", true
	}
	return "", false
}

// NextRequiredRole returns the first pipeline role, in stage order, whose
// record is still pending and whose stage gate is satisfied. Empty when the
// pipeline is finished or blocked by a rejection.
func NextRequiredRole(vector []domain.ApprovalRecord, stages []config.Stage) string {
	states := stateByRole(vector)
	for _, s := range stages {
		if states[s.Role] != domain.ApprovalPending {
			continue
		}
		open := true
		for _, req := range s.Requires {
			if states[req] != domain.ApprovalApproved {
				open = false
				break
			}
		}
		if open {
			return s.Role
		}
	}
	return ""
}

// Assignable reports whether a role's stage is currently open for work:
// its own record is pending and every prerequisite role has approved. Admin
// only needs a pending record, mirroring its gate bypass on decisions. In
// the parallel stretch of the pipeline more than one role can be assignable
// at once.
func Assignable(role string, vector []domain.ApprovalRecord, stages []config.Stage) bool {
	states := stateByRole(vector)
	for _, s := range stages {
		if s.Role != role {
			continue
		}
		if states[role] != domain.ApprovalPending {
			return false
		}
		if role == domain.RoleAdmin {
			return true
		}
		for _, req := range s.Requires {
			if states[req] != domain.ApprovalApproved {
				return false
			}
		}
		return true
	}
	return false
}

// Project filters a payload to the allowlisted field subset. The wildcard
// "*" grants the full payload. The result is always a copy.
func Project(payload map[string]string, allowlist []string) map[string]string {
	out := map[string]string{}
	for _, f := range allowlist {
		if f == "*" {
			for k, v := range payload {
				out[k] = v
			}
			return out
		}
	}
	for _, f := range allowlist {
		if v, ok := payload[f]; ok {
			out[f] = v
		}
	}
	return out
}

// Allowed reports whether a field is within the allowlist.
func Allowed(field string, allowlist []string) bool {
	for _, f := range allowlist {
		if f == "*" || f == field {
			return true
		}
	}
	return false
}

func stateByRole(vector []domain.ApprovalRecord) map[string]string {
	states := make(map[string]string, len(vector))
	for _, rec := range vector {
		states[rec.Role] = rec.State
	}
	return states
}
