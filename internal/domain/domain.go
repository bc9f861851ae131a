package domain

// Form is the aggregate root for a submitted legal-document request.
type Form struct {
	ID             string            `json:"id"`
	FormType       string            `json:"form_type" enum:"sale-deed,will-deed,trust-deed,property-registration,power-of-attorney,adoption-deed,contact-form"`
	Payload        map[string]string `json:"payload"`
	Status         string            `json:"status" enum:"draft,submitted,in_progress,under_review,verified,completed,rejected"`
	Locked         bool              `json:"locked"`
	AssignedTo     *string           `json:"assigned_to,omitempty"`
	CreatedBy      string            `json:"created_by"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
	LastActivityAt string            `json:"last_activity_at" format:"date-time"`
	Version        int64             `json:"version"`
}

// ApprovalRecord is one reviewer role's decision on a form.
type ApprovalRecord struct {
	FormID     string  `json:"form_id"`
	Role       string  `json:"role"`
	State      string  `json:"state" enum:"pending,approved,rejected"`
	ReviewerID *string `json:"reviewer_id,omitempty"`
	Notes      string  `json:"notes,omitempty"`
	DecidedAt  *string `json:"decided_at,omitempty" format:"date-time"`
}

// ChangeLogEntry is one append-only field-level mutation record.
type ChangeLogEntry struct {
	ID            int64  `json:"id"`
	FormID        string `json:"form_id"`
	Field         string `json:"field"`
	OldValue      string `json:"old_value"`
	NewValue      string `json:"new_value"`
	ChangedByRole string `json:"changed_by_role"`
	ChangedByUser string `json:"changed_by_user"`
	TS            string `json:"ts" format:"date-time"`
	ChangeType    string `json:"change_type" enum:"edit,correction,admin-override"`
}

// Assignment maps a form to the staff member currently responsible for it.
type Assignment struct {
	FormID     string `json:"form_id"`
	StaffID    string `json:"staff_id"`
	AssignedBy string `json:"assigned_by"`
	Reason     string `json:"reason,omitempty"`
	AssignedAt string `json:"assigned_at" format:"date-time"`
}

// StaffAccount is a reviewer identity eligible for assignment.
type StaffAccount struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is an append-only workflow event (status changes, decisions,
// security-relevant denials). Feeds webhooks and the log tail.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	FormID     string `json:"form_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Form statuses.
const (
	StatusDraft       = "draft"
	StatusSubmitted   = "submitted"
	StatusInProgress  = "in_progress"
	StatusUnderReview = "under_review"
	StatusVerified    = "verified"
	StatusCompleted   = "completed"
	StatusRejected    = "rejected"
)

// Approval states.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Reviewer roles. Pipeline order and prerequisites live in config; this is
// the closed set of identifiers.
const (
	RoleStaff1 = "staff1"
	RoleStaff2 = "staff2"
	RoleStaff3 = "staff3"
	RoleStaff4 = "staff4"
	RoleAdmin  = "admin"
)

// Change types for ledger entries.
const (
	ChangeEdit          = "edit"
	ChangeCorrection    = "correction"
	ChangeAdminOverride = "admin-override"
)
