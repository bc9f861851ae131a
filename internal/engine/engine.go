package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"deedline/internal/config"
	"deedline/internal/domain"
	"deedline/internal/events"
	"deedline/internal/gate"
	"deedline/internal/repo"
)

// Engine is the workflow state machine. Every mutation of a form — edits,
// decisions, assignment, locking — goes through it, inside one transaction
// guarded by the form's optimistic version.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	// OnStatusChange is invoked after a committed transition changed the
	// form's status. Delivery beyond the hook (email, webhooks) is external.
	OnStatusChange func(formID, oldStatus, newStatus string)
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stages() []config.Stage {
	return e.Config.Pipeline.Stages
}

// withRetry runs a version-guarded transition, retrying exactly once on a
// conflict before giving up.
func (e Engine) withRetry(formID string, fn func() error) error {
	err := fn()
	if !errors.Is(err, repo.ErrVersionConflict) {
		return err
	}
	err = fn()
	if errors.Is(err, repo.ErrVersionConflict) {
		return RetryExhaustedError{FormID: formID, Err: err}
	}
	return err
}

// Lifecycle ledger entries (approvals, lock flips, status overrides) live
// under a reserved "$" prefix. Payload fields may never start with it, so
// replay can tell the two apart no matter what the citizen names a field.
const (
	metaFieldPrefix    = "$"
	metaFieldLocked    = "$locked"
	metaFieldStatus    = "$status"
	metaApprovalPrefix = "$approval."
)

func (e Engine) notify(formID, oldStatus, newStatus string) {
	if oldStatus != newStatus && e.OnStatusChange != nil {
		e.OnStatusChange(formID, oldStatus, newStatus)
	}
}

// FormCreateOptions are parameters for creating a form.
type FormCreateOptions struct {
	ID        string
	FormType  string
	Payload   map[string]string
	CreatedBy string
}

// CreateForm validates the type against the closed catalog and the payload
// against the type's required fields, then inserts a draft with one ledger
// entry per initial field.
func (e Engine) CreateForm(ctx context.Context, opts FormCreateOptions) (domain.Form, error) {
	if e.Config == nil {
		return domain.Form{}, errors.New("config not loaded")
	}
	if opts.CreatedBy == "" {
		return domain.Form{}, ValidationError{Msg: "created_by is required"}
	}
	ft, ok := e.Config.Forms.Catalog[opts.FormType]
	if !ok {
		return domain.Form{}, ValidationError{Msg: fmt.Sprintf("unknown form type %s", opts.FormType)}
	}
	if opts.Payload == nil {
		opts.Payload = map[string]string{}
	}
	for _, req := range ft.Required {
		if strings.TrimSpace(opts.Payload[req]) == "" {
			return domain.Form{}, ValidationError{Msg: fmt.Sprintf("required field %s is missing", req)}
		}
	}
	for field := range opts.Payload {
		if strings.HasPrefix(field, metaFieldPrefix) {
			return domain.Form{}, ValidationError{Msg: fmt.Sprintf("field name %s uses the reserved %s prefix", field, metaFieldPrefix)}
		}
	}
	id := opts.ID
	now := e.now().UTC().Format(time.RFC3339)
	if id == "" {
		id = uuid.New().String()
	}
	f := domain.Form{
		ID:             id,
		FormType:       opts.FormType,
		Payload:        opts.Payload,
		Status:         domain.StatusDraft,
		CreatedBy:      opts.CreatedBy,
		CreatedAt:      now,
		LastActivityAt: now,
		Version:        1,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Form{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertFormTx(ctx, tx, f); err != nil {
		return domain.Form{}, err
	}
	for field, value := range f.Payload {
		if err := e.Repo.AppendChangeTx(ctx, tx, domain.ChangeLogEntry{
			FormID:        f.ID,
			Field:         field,
			NewValue:      value,
			ChangedByRole: "submitter",
			ChangedByUser: opts.CreatedBy,
			TS:            now,
			ChangeType:    domain.ChangeEdit,
		}); err != nil {
			return domain.Form{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "form.created", f.ID, "form", f.ID, opts.CreatedBy, events.EventPayload{
		"form_type": f.FormType,
		"status":    f.Status,
	}); err != nil {
		return domain.Form{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Form{}, err
	}
	return f, nil
}

// Submit moves a draft (or a rejected form, re-opening a fresh review
// cycle) into the pipeline and lazily creates the pending approval vector.
func (e Engine) Submit(ctx context.Context, formID, actorID string) (domain.Form, error) {
	if e.Config == nil {
		return domain.Form{}, errors.New("config not loaded")
	}
	var out domain.Form
	err := e.withRetry(formID, func() error {
		f, err := e.Repo.GetForm(ctx, formID)
		if err != nil {
			return err
		}
		if f.Locked {
			return LockedError{FormID: formID}
		}
		if f.Status != domain.StatusDraft && f.Status != domain.StatusRejected {
			return InvalidStateError{FormID: formID, State: f.Status, Action: "submit"}
		}
		if actorID == "" || actorID != f.CreatedBy {
			return gate.AccessDeniedError{Role: "submitter", Action: "submit"}
		}
		ft := e.Config.Forms.Catalog[f.FormType]
		for _, req := range ft.Required {
			if strings.TrimSpace(f.Payload[req]) == "" {
				return ValidationError{Msg: fmt.Sprintf("required field %s is missing", req)}
			}
		}
		resubmit := f.Status == domain.StatusRejected
		oldStatus := f.Status
		now := e.now().UTC().Format(time.RFC3339)

		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var roles []string
		for _, s := range e.stages() {
			roles = append(roles, s.Role)
		}
		if err := e.Repo.InitApprovalsTx(ctx, tx, formID, roles); err != nil {
			return err
		}
		if resubmit {
			// A rejected branch is terminal; a fresh cycle starts with every
			// record back at pending.
			if err := e.Repo.ResetApprovalsTx(ctx, tx, formID); err != nil {
				return err
			}
		}
		f.Status = domain.StatusSubmitted
		f.LastActivityAt = now
		if err := e.Repo.UpdateFormTx(ctx, tx, f, f.Version); err != nil {
			return err
		}
		evtType := "form.submitted"
		if resubmit {
			evtType = "form.resubmitted"
		}
		if err := e.Events.Append(ctx, tx, evtType, f.ID, "form", f.ID, actorID, events.EventPayload{
			"from_status": oldStatus,
			"to_status":   f.Status,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		f.Version++
		out = f
		e.notify(f.ID, oldStatus, f.Status)
		return nil
	})
	return out, err
}

// EditOptions are parameters for a single field edit.
type EditOptions struct {
	FormID     string
	Role       string
	UserID     string
	Field      string
	NewValue   string
	ChangeType string
}

// ApplyEdit writes one payload field and appends exactly one ledger entry,
// both inside the same version-guarded transaction.
func (e Engine) ApplyEdit(ctx context.Context, opts EditOptions) (domain.Form, error) {
	if e.Config == nil {
		return domain.Form{}, errors.New("config not loaded")
	}
	if strings.TrimSpace(opts.Field) == "" {
		return domain.Form{}, ValidationError{Msg: "field is required"}
	}
	if strings.HasPrefix(opts.Field, metaFieldPrefix) {
		return domain.Form{}, ValidationError{Msg: fmt.Sprintf("field name %s uses the reserved %s prefix", opts.Field, metaFieldPrefix)}
	}
	if opts.ChangeType == "" {
		opts.ChangeType = domain.ChangeEdit
	}
	var out domain.Form
	err := e.withRetry(opts.FormID, func() error {
		f, err := e.Repo.GetForm(ctx, opts.FormID)
		if err != nil {
			return err
		}
		if f.Locked {
			return LockedError{FormID: f.ID}
		}
		vector, err := e.Repo.GetVector(ctx, f.ID)
		if err != nil {
			return err
		}
		if err := e.checkEditAccess(ctx, f, vector, opts.Role, opts.UserID, opts.Field); err != nil {
			return err
		}
		oldValue := f.Payload[opts.Field]
		now := e.now().UTC().Format(time.RFC3339)

		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		f.Payload[opts.Field] = opts.NewValue
		f.LastActivityAt = now
		if err := e.Repo.UpdateFormTx(ctx, tx, f, f.Version); err != nil {
			return err
		}
		if err := e.Repo.AppendChangeTx(ctx, tx, domain.ChangeLogEntry{
			FormID:        f.ID,
			Field:         opts.Field,
			OldValue:      oldValue,
			NewValue:      opts.NewValue,
			ChangedByRole: opts.Role,
			ChangedByUser: opts.UserID,
			TS:            now,
			ChangeType:    opts.ChangeType,
		}); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "form.edited", f.ID, "form", f.ID, opts.UserID, events.EventPayload{
			"field": opts.Field,
			"role":  opts.Role,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		f.Version++
		out = f
		return nil
	})
	return out, err
}

// checkEditAccess applies the payload-mutation invariant: the acting role's
// capability must be read-write for the form's current stage, and the field
// must fall inside the role's allowlist. The submitting citizen may edit
// while the form is a draft or re-opened after rejection.
func (e Engine) checkEditAccess(ctx context.Context, f domain.Form, vector []domain.ApprovalRecord, role, userID, field string) error {
	if role == domain.RoleAdmin {
		return nil
	}
	if userID == f.CreatedBy && role == "submitter" {
		if f.Status == domain.StatusDraft || f.Status == domain.StatusRejected {
			return nil
		}
		return e.denied(ctx, f.ID, userID, role, "edit")
	}
	if f.Status != domain.StatusSubmitted && f.Status != domain.StatusInProgress && f.Status != domain.StatusUnderReview {
		return InvalidStateError{FormID: f.ID, State: f.Status, Action: "edit"}
	}
	if gate.Capability(role, vector, e.stages()) < gate.LevelWrite {
		return e.denied(ctx, f.ID, userID, role, "edit")
	}
	allowlist, ok := e.Config.Allowlist(f.FormType, role)
	if !ok || !gate.Allowed(field, allowlist) {
		return e.denied(ctx, f.ID, userID, role, "edit field "+field)
	}
	return nil
}

// denied records a security-relevant event before surfacing the error. The
// event write is best-effort; the denial stands either way.
func (e Engine) denied(ctx context.Context, formID, userID, role, action string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err == nil {
		if appendErr := e.Events.Append(ctx, tx, "access.denied", formID, "form", formID, userID, events.EventPayload{
			"role":   role,
			"action": action,
		}); appendErr == nil {
			_ = tx.Commit()
		} else {
			_ = tx.Rollback()
		}
	}
	return gate.AccessDeniedError{Role: role, Action: action}
}

// DecisionOptions are parameters for a reviewer decision.
type DecisionOptions struct {
	FormID     string
	Role       string
	ReviewerID string
	Approved   bool
	Notes      string
}

// Decide records one role's approval or rejection and applies the resulting
// status transition atomically. The final approving decision sets the lock
// in the same transaction, so no window exists where a fully-approved form
// is still editable.
func (e Engine) Decide(ctx context.Context, opts DecisionOptions) (domain.Form, error) {
	if e.Config == nil {
		return domain.Form{}, errors.New("config not loaded")
	}
	if _, ok := e.Config.Stage(opts.Role); !ok {
		return domain.Form{}, gate.AccessDeniedError{Role: opts.Role, Action: "decide"}
	}
	if !opts.Approved && strings.TrimSpace(opts.Notes) == "" {
		return domain.Form{}, MissingReasonError{Role: opts.Role}
	}
	var out domain.Form
	err := e.withRetry(opts.FormID, func() error {
		f, err := e.Repo.GetForm(ctx, opts.FormID)
		if err != nil {
			return err
		}
		if f.Locked {
			return LockedError{FormID: f.ID}
		}
		switch f.Status {
		case domain.StatusSubmitted, domain.StatusInProgress, domain.StatusUnderReview:
		default:
			return InvalidStateError{FormID: f.ID, State: f.Status, Action: "decide"}
		}
		vector, err := e.Repo.GetVector(ctx, f.ID)
		if err != nil {
			return err
		}
		// Admin keeps approve capability regardless of the vector; every
		// other role waits on its prerequisite set.
		if opts.Role != domain.RoleAdmin {
			if required, ok := gate.Unmet(opts.Role, vector, e.stages()); !ok {
				return OutOfOrderError{Role: opts.Role, Required: required}
			}
		}
		state := domain.ApprovalApproved
		if !opts.Approved {
			state = domain.ApprovalRejected
		}
		oldStatus := f.Status
		now := e.now().UTC().Format(time.RFC3339)

		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		decided, err := e.Repo.DecideTx(ctx, tx, f.ID, opts.Role, state, opts.ReviewerID, opts.Notes, now)
		if err != nil {
			return err
		}
		if !decided {
			return InvalidStateError{FormID: f.ID, State: "decided", Action: "decide as " + opts.Role}
		}
		if err := e.Repo.AppendChangeTx(ctx, tx, domain.ChangeLogEntry{
			FormID:        f.ID,
			Field:         metaApprovalPrefix + opts.Role,
			OldValue:      domain.ApprovalPending,
			NewValue:      state,
			ChangedByRole: opts.Role,
			ChangedByUser: opts.ReviewerID,
			TS:            now,
			ChangeType:    domain.ChangeEdit,
		}); err != nil {
			return err
		}
		vector, err = e.Repo.GetVectorTx(ctx, tx, f.ID)
		if err != nil {
			return err
		}
		newStatus, lock := e.deriveStatus(vector)
		f.Status = newStatus
		f.Locked = lock
		f.LastActivityAt = now
		if err := e.Repo.UpdateFormTx(ctx, tx, f, f.Version); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "form.decided", f.ID, "approval", opts.Role, opts.ReviewerID, events.EventPayload{
			"role":  opts.Role,
			"state": state,
			"notes": opts.Notes,
		}); err != nil {
			return err
		}
		if newStatus != oldStatus {
			if err := e.Events.Append(ctx, tx, "form.status_changed", f.ID, "form", f.ID, opts.ReviewerID, events.EventPayload{
				"from_status": oldStatus,
				"to_status":   newStatus,
				"locked":      lock,
			}); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		f.Version++
		out = f
		e.notify(f.ID, oldStatus, newStatus)
		return nil
	})
	return out, err
}

// deriveStatus computes the form status from the approval vector:
// any rejection wins; all stages approved completes and locks; all
// non-final stages approved parks the form under review for the final
// role; any decision at all means the pipeline is in progress.
func (e Engine) deriveStatus(vector []domain.ApprovalRecord) (string, bool) {
	states := map[string]string{}
	for _, rec := range vector {
		states[rec.Role] = rec.State
	}
	anyDecided := false
	allApproved := true
	nonFinalApproved := true
	for _, s := range e.stages() {
		st := states[s.Role]
		if st != domain.ApprovalPending && st != "" {
			anyDecided = true
		}
		if st == domain.ApprovalRejected {
			return domain.StatusRejected, false
		}
		if st != domain.ApprovalApproved {
			allApproved = false
			if !s.Final {
				nonFinalApproved = false
			}
		}
	}
	switch {
	case allApproved:
		return domain.StatusCompleted, true
	case nonFinalApproved:
		return domain.StatusUnderReview, false
	case anyDecided:
		return domain.StatusInProgress, false
	default:
		return domain.StatusSubmitted, false
	}
}

// Assign sets the staff member responsible for the form's pending stage.
func (e Engine) Assign(ctx context.Context, formID, staffID, assignedBy, reason string) (domain.Form, error) {
	if e.Config == nil {
		return domain.Form{}, errors.New("config not loaded")
	}
	var out domain.Form
	err := e.withRetry(formID, func() error {
		f, err := e.Repo.GetForm(ctx, formID)
		if err != nil {
			return err
		}
		if f.Locked {
			return LockedError{FormID: f.ID}
		}
		switch f.Status {
		case domain.StatusSubmitted, domain.StatusInProgress, domain.StatusUnderReview:
		default:
			return InvalidStateError{FormID: f.ID, State: f.Status, Action: "assign"}
		}
		vector, err := e.Repo.GetVector(ctx, f.ID)
		if err != nil {
			return err
		}
		required := gate.NextRequiredRole(vector, e.stages())
		if required == "" {
			return InvalidStateError{FormID: f.ID, State: f.Status, Action: "assign"}
		}
		staff, err := e.Repo.GetStaff(ctx, staffID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return InvalidTargetError{StaffID: staffID, Required: required}
			}
			return err
		}
		// Any role whose stage gate is open is a valid target; during the
		// parallel stretch staff2 and staff3 are both assignable.
		if !staff.Active || !gate.Assignable(staff.Role, vector, e.stages()) {
			return InvalidTargetError{StaffID: staffID, Required: required}
		}
		oldStatus := f.Status
		now := e.now().UTC().Format(time.RFC3339)

		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := e.Repo.SetAssignmentTx(ctx, tx, domain.Assignment{
			FormID:     f.ID,
			StaffID:    staffID,
			AssignedBy: assignedBy,
			Reason:     reason,
			AssignedAt: now,
		}); err != nil {
			return err
		}
		f.AssignedTo = &staffID
		if f.Status == domain.StatusSubmitted {
			f.Status = domain.StatusInProgress
		}
		f.LastActivityAt = now
		if err := e.Repo.UpdateFormTx(ctx, tx, f, f.Version); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "form.assigned", f.ID, "assignment", staffID, assignedBy, events.EventPayload{
			"staff_id": staffID,
			"role":     staff.Role,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		f.Version++
		out = f
		e.notify(f.ID, oldStatus, f.Status)
		return nil
	})
	return out, err
}

// AutoAssign picks the least-loaded active staff account matching the
// pending stage role, breaking ties by account id. Deterministic so tests
// can observe the policy.
func (e Engine) AutoAssign(ctx context.Context, formID, actorID string) (domain.Form, error) {
	f, err := e.Repo.GetForm(ctx, formID)
	if err != nil {
		return domain.Form{}, err
	}
	vector, err := e.Repo.GetVector(ctx, f.ID)
	if err != nil {
		return domain.Form{}, err
	}
	required := gate.NextRequiredRole(vector, e.stages())
	if required == "" {
		return domain.Form{}, InvalidStateError{FormID: f.ID, State: f.Status, Action: "auto-assign"}
	}
	candidates, err := e.Repo.ListStaff(ctx, required, true)
	if err != nil {
		return domain.Form{}, err
	}
	if len(candidates) == 0 {
		return domain.Form{}, InvalidTargetError{StaffID: "", Required: required}
	}
	best := ""
	bestLoad := -1
	for _, s := range candidates {
		load, err := e.Repo.CountOpenAssignments(ctx, s.ID)
		if err != nil {
			return domain.Form{}, err
		}
		if bestLoad < 0 || load < bestLoad {
			best = s.ID
			bestLoad = load
		}
	}
	return e.Assign(ctx, formID, best, actorID, "auto-assign")
}

// SweepUnassigned auto-assigns every submitted form without an assignee.
// Each form goes through the same version-guarded Assign path, so a racing
// explicit assignment wins over the sweep.
func (e Engine) SweepUnassigned(ctx context.Context, actorID string) (int, error) {
	ids, err := e.Repo.ListUnassignedSubmitted(ctx, 0)
	if err != nil {
		return 0, err
	}
	assigned := 0
	for _, id := range ids {
		if _, err := e.AutoAssign(ctx, id, actorID); err != nil {
			var target InvalidTargetError
			var state InvalidStateError
			if errors.As(err, &target) || errors.As(err, &state) || errors.Is(err, repo.ErrVersionConflict) {
				continue
			}
			return assigned, err
		}
		assigned++
	}
	return assigned, nil
}

// Unlock is the privileged admin action recovering a locked terminal form.
// The form re-opens as submitted with a fresh pending vector, and the
// override lands in the ledger.
func (e Engine) Unlock(ctx context.Context, formID, role, adminID, reason string) (domain.Form, error) {
	if role != domain.RoleAdmin {
		return domain.Form{}, gate.AccessDeniedError{Role: role, Action: "unlock"}
	}
	var out domain.Form
	err := e.withRetry(formID, func() error {
		f, err := e.Repo.GetForm(ctx, formID)
		if err != nil {
			return err
		}
		if !f.Locked {
			return InvalidStateError{FormID: f.ID, State: f.Status, Action: "unlock"}
		}
		oldStatus := f.Status
		now := e.now().UTC().Format(time.RFC3339)

		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := e.Repo.ResetApprovalsTx(ctx, tx, f.ID); err != nil {
			return err
		}
		f.Locked = false
		f.Status = domain.StatusSubmitted
		f.LastActivityAt = now
		if err := e.Repo.UpdateFormTx(ctx, tx, f, f.Version); err != nil {
			return err
		}
		if err := e.Repo.AppendChangeTx(ctx, tx, domain.ChangeLogEntry{
			FormID:        f.ID,
			Field:         metaFieldLocked,
			OldValue:      "true",
			NewValue:      "false",
			ChangedByRole: domain.RoleAdmin,
			ChangedByUser: adminID,
			TS:            now,
			ChangeType:    domain.ChangeAdminOverride,
		}); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "form.unlocked", f.ID, "form", f.ID, adminID, events.EventPayload{
			"from_status": oldStatus,
			"to_status":   f.Status,
			"reason":      reason,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		f.Version++
		out = f
		e.notify(f.ID, oldStatus, f.Status)
		return nil
	})
	return out, err
}

// OverrideStatus is the admin escape hatch for setting a status directly.
// The override is ledgered; the lock flag follows the invariant that only
// terminal statuses may stay locked.
func (e Engine) OverrideStatus(ctx context.Context, formID, status, adminID string) (domain.Form, error) {
	switch status {
	case domain.StatusDraft, domain.StatusSubmitted, domain.StatusInProgress,
		domain.StatusUnderReview, domain.StatusVerified, domain.StatusCompleted, domain.StatusRejected:
	default:
		return domain.Form{}, ValidationError{Msg: fmt.Sprintf("unknown status %s", status)}
	}
	var out domain.Form
	err := e.withRetry(formID, func() error {
		f, err := e.Repo.GetForm(ctx, formID)
		if err != nil {
			return err
		}
		oldStatus := f.Status
		now := e.now().UTC().Format(time.RFC3339)

		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		f.Status = status
		if status != domain.StatusCompleted && status != domain.StatusRejected {
			f.Locked = false
		}
		f.LastActivityAt = now
		if err := e.Repo.UpdateFormTx(ctx, tx, f, f.Version); err != nil {
			return err
		}
		if err := e.Repo.AppendChangeTx(ctx, tx, domain.ChangeLogEntry{
			FormID:        f.ID,
			Field:         metaFieldStatus,
			OldValue:      oldStatus,
			NewValue:      status,
			ChangedByRole: domain.RoleAdmin,
			ChangedByUser: adminID,
			TS:            now,
			ChangeType:    domain.ChangeAdminOverride,
		}); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "form.status_changed", f.ID, "form", f.ID, adminID, events.EventPayload{
			"from_status": oldStatus,
			"to_status":   status,
			"override":    true,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		f.Version++
		out = f
		e.notify(f.ID, oldStatus, status)
		return nil
	})
	return out, err
}

// ReadView returns the payload filtered to the field subset visible to the
// acting role. The submitting citizen and admin see everything; a staff
// role whose stage gate has not opened sees nothing at all.
func (e Engine) ReadView(ctx context.Context, formID, role, userID string) (map[string]string, error) {
	f, err := e.Repo.GetForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	if role == domain.RoleAdmin || (role == "submitter" && userID == f.CreatedBy) {
		return gate.Project(f.Payload, []string{"*"}), nil
	}
	vector, err := e.Repo.GetVector(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	if gate.Capability(role, vector, e.stages()) == gate.LevelNone {
		return nil, e.denied(ctx, f.ID, userID, role, "read")
	}
	allowlist, ok := e.Config.Allowlist(f.FormType, role)
	if !ok {
		return nil, e.denied(ctx, f.ID, userID, role, "read")
	}
	return gate.Project(f.Payload, allowlist), nil
}

// Replay folds a form's ledger from creation into the payload it implies.
// Lifecycle entries carry the reserved prefix and are skipped; everything
// else is a payload write, so the result must match the stored payload
// exactly if the ledger is complete.
func (e Engine) Replay(ctx context.Context, formID string) (map[string]string, error) {
	entries, err := e.Repo.ListChanges(ctx, formID)
	if err != nil {
		return nil, err
	}
	payload := map[string]string{}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Field, metaFieldPrefix) {
			continue
		}
		payload[entry.Field] = entry.NewValue
	}
	return payload, nil
}
