package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"deedline/internal/config"
	"deedline/internal/db"
	"deedline/internal/domain"
	"deedline/internal/engine"
	"deedline/internal/gate"
	"deedline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("reg-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.Repo.UpsertWorkflowConfig(ctx, "reg-1", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	for _, s := range []domain.StaffAccount{
		{ID: "s1-a", Role: "staff1", Active: true},
		{ID: "s2-a", Role: "staff2", Active: true},
		{ID: "s3-a", Role: "staff3", Active: true},
		{ID: "adm-a", Role: "admin", Active: true},
	} {
		if err := eng.Repo.InsertStaff(ctx, s); err != nil {
			t.Fatalf("seed staff %s: %v", s.ID, err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func newSubmitted(t *testing.T, env testEnv) domain.Form {
	t.Helper()
	f, err := env.Engine.CreateForm(env.Ctx, engine.FormCreateOptions{
		FormType: "sale-deed",
		Payload: map[string]string{
			"seller_name": "Asha Rao",
			"buyer_name":  "Vikram Singh",
			"sale_price":  "4500000",
		},
		CreatedBy: "citizen-1",
	})
	if err != nil {
		t.Fatalf("create form: %v", err)
	}
	f, err = env.Engine.Submit(env.Ctx, f.ID, "citizen-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return f
}

func approve(t *testing.T, env testEnv, formID, role, reviewer string) domain.Form {
	t.Helper()
	f, err := env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		FormID: formID, Role: role, ReviewerID: reviewer, Approved: true,
	})
	if err != nil {
		t.Fatalf("%s approve: %v", role, err)
	}
	return f
}

func TestCreateValidatesCatalogAndRequiredFields(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateForm(env.Ctx, engine.FormCreateOptions{
		FormType: "gift-deed", CreatedBy: "citizen-1",
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for unknown type, got %v", err)
	}
	_, err = env.Engine.CreateForm(env.Ctx, engine.FormCreateOptions{
		FormType:  "sale-deed",
		Payload:   map[string]string{"seller_name": "Asha Rao"},
		CreatedBy: "citizen-1",
	})
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for missing required fields, got %v", err)
	}
}

func TestSubmitRequiresCreator(t *testing.T) {
	env := newTestEnv(t)
	f, err := env.Engine.CreateForm(env.Ctx, engine.FormCreateOptions{
		FormType: "sale-deed",
		Payload: map[string]string{
			"seller_name": "Asha Rao",
			"buyer_name":  "Vikram Singh",
			"sale_price":  "4500000",
		},
		CreatedBy: "citizen-1",
	})
	if err != nil {
		t.Fatalf("create form: %v", err)
	}

	var derr gate.AccessDeniedError
	if _, err := env.Engine.Submit(env.Ctx, f.ID, ""); !errors.As(err, &derr) {
		t.Fatalf("expected denial for empty actor, got %v", err)
	}
	if _, err := env.Engine.Submit(env.Ctx, f.ID, "citizen-2"); !errors.As(err, &derr) {
		t.Fatalf("expected denial for non-creator, got %v", err)
	}
	got, err := env.Engine.Submit(env.Ctx, f.ID, "citizen-1")
	if err != nil {
		t.Fatalf("creator submit: %v", err)
	}
	if got.Status != domain.StatusSubmitted {
		t.Fatalf("expected submitted, got %s", got.Status)
	}
}

func TestStageGateOrdering(t *testing.T) {
	env := newTestEnv(t)
	f := newSubmitted(t, env)

	_, err := env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		FormID: f.ID, Role: "staff2", ReviewerID: "s2-a", Approved: true,
	})
	var ooo engine.OutOfOrderError
	if !errors.As(err, &ooo) {
		t.Fatalf("expected out-of-order error, got %v", err)
	}
	if ooo.Required != "staff1" {
		t.Fatalf("expected staff1 prerequisite, got %s", ooo.Required)
	}

	approve(t, env, f.ID, "staff1", "s1-a")
	got := approve(t, env, f.ID, "staff2", "s2-a")
	if got.Status != domain.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", got.Status)
	}
}

func TestParallelStagesDecideInAnyOrder(t *testing.T) {
	env := newTestEnv(t)
	f := newSubmitted(t, env)
	approve(t, env, f.ID, "staff1", "s1-a")
	// staff3 before staff2 is fine; they only require staff1.
	approve(t, env, f.ID, "staff3", "s3-a")
	got := approve(t, env, f.ID, "staff2", "s2-a")
	if got.Status != domain.StatusUnderReview {
		t.Fatalf("expected under_review after both parallel stages, got %s", got.Status)
	}
}

func TestCompletionLocksForm(t *testing.T) {
	env := newTestEnv(t)
	f := newSubmitted(t, env)
	approve(t, env, f.ID, "staff1", "s1-a")
	approve(t, env, f.ID, "staff2", "s2-a")
	approve(t, env, f.ID, "staff3", "s3-a")
	got := approve(t, env, f.ID, "admin", "adm-a")
	if got.Status != domain.StatusCompleted || !got.Locked {
		t.Fatalf("expected completed+locked, got %s locked=%v", got.Status, got.Locked)
	}

	_, err := env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		FormID: f.ID, Role: "admin", UserID: "adm-a", Field: "sale_price", NewValue: "1",
	})
	var lerr engine.LockedError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected locked error, got %v", err)
	}
	_, err = env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		FormID: f.ID, Role: "admin", ReviewerID: "adm-a", Approved: false, Notes: "no",
	})
	if !errors.As(err, &lerr) {
		t.Fatalf("expected locked error on decide, got %v", err)
	}
}

func TestRejectionRequiresNotesAndReopensForm(t *testing.T) {
	env := newTestEnv(t)
	f := newSubmitted(t, env)

	_, err := env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		FormID: f.ID, Role: "staff1", ReviewerID: "s1-a", Approved: false,
	})
	var merr engine.MissingReasonError
	if !errors.As(err, &merr) {
		t.Fatalf("expected missing-reason error, got %v", err)
	}

	got, err := env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		FormID: f.ID, Role: "staff1", ReviewerID: "s1-a", Approved: false, Notes: "price below market value",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.Status != domain.StatusRejected || got.Locked {
		t.Fatalf("expected rejected+unlocked, got %s locked=%v", got.Status, got.Locked)
	}

	// The submitter can fix and resubmit; the review cycle starts over.
	if _, err := env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		FormID: f.ID, Role: "submitter", UserID: "citizen-1", Field: "sale_price", NewValue: "5200000",
	}); err != nil {
		t.Fatalf("submitter edit after rejection: %v", err)
	}
	got, err = env.Engine.Submit(env.Ctx, f.ID, "citizen-1")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if got.Status != domain.StatusSubmitted {
		t.Fatalf("expected submitted, got %s", got.Status)
	}
	vector, err := env.Engine.Repo.GetVector(env.Ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range vector {
		if rec.State != domain.ApprovalPending {
			t.Fatalf("expected %s pending after resubmit, got %s", rec.Role, rec.State)
		}
	}
}

func TestDoubleDecisionRejected(t *testing.T) {
	env := newTestEnv(t)
	f := newSubmitted(t, env)
	approve(t, env, f.ID, "staff1", "s1-a")
	_, err := env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		FormID: f.ID, Role: "staff1", ReviewerID: "s1-b", Approved: true,
	})
	var serr engine.InvalidStateError
	if !errors.As(err, &serr) {
		t.Fatalf("expected invalid-state error for second decision, got %v", err)
	}
}

func TestAdminDecidesEarlyWithoutCompleting(t *testing.T) {
	env := newTestEnv(t)
	f := newSubmitted(t, env)
	// Admin bypasses the stage gate but the form only completes once every
	// stage has approved.
	got := approve(t, env, f.ID, "admin", "adm-a")
	if got.Status == domain.StatusCompleted || got.Locked {
		t.Fatalf("form must not complete on early admin approval, got %s locked=%v", got.Status, got.Locked)
	}
	approve(t, env, f.ID, "staff1", "s1-a")
	approve(t, env, f.ID, "staff2", "s2-a")
	got = approve(t, env, f.ID, "staff3", "s3-a")
	if got.Status != domain.StatusCompleted || !got.Locked {
		t.Fatalf("expected completed+locked once all stages approved, got %s locked=%v", got.Status, got.Locked)
	}
}

func TestNonPipelineRoleCannotDecide(t *testing.T) {
	env := newTestEnv(t)
	f := newSubmitted(t, env)
	_, err := env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		FormID: f.ID, Role: "staff4", ReviewerID: "ghost", Approved: true,
	})
	var derr gate.AccessDeniedError
	if !errors.As(err, &derr) {
		t.Fatalf("expected access denied for non-pipeline role, got %v", err)
	}
}

func TestEditAllowlistEnforced(t *testing.T) {
	env := newTestEnv(t)
	f := newSubmitted(t, env)
	// staff1's sale-deed view covers fee fields only.
	if _, err := env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		FormID: f.ID, Role: "staff1", UserID: "s1-a", Field: "stamp_duty", NewValue: "31500",
	}); err != nil {
		t.Fatalf("allowlisted edit: %v", err)
	}
	_, err := env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		FormID: f.ID, Role: "staff1", UserID: "s1-a", Field: "seller_name", NewValue: "x",
	})
	var derr gate.AccessDeniedError
	if !errors.As(err, &derr) {
		t.Fatalf("expected access denied outside allowlist, got %v", err)
	}
}

func TestEditBeforeStageGateDenied(t *testing.T) {
	env := newTestEnv(t)
	f := newSubmitted(t, env)
	_, err := env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		FormID: f.ID, Role: "staff2", UserID: "s2-a", Field: "witness_one", NewValue: "W. One",
	})
	var derr gate.AccessDeniedError
	if !errors.As(err, &derr) {
		t.Fatalf("expected access denied before staff1 approval, got %v", err)
	}
	approve(t, env, f.ID, "staff1", "s1-a")
	if _, err := env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		FormID: f.ID, Role: "staff2", UserID: "s2-a", Field: "witness_one", NewValue: "W. One",
	}); err != nil {
		t.Fatalf("edit after gate opened: %v", err)
	}
}

func TestReadViewProjection(t *testing.T) {
	env := newTestEnv(t)
	f := newSubmitted(t, env)

	if _, err := env.Engine.ReadView(env.Ctx, f.ID, "staff2", "s2-a"); err == nil {
		t.Fatalf("expected staff2 view denied before staff1 approval")
	}
	approve(t, env, f.ID, "staff1", "s1-a")

	view, err := env.Engine.ReadView(env.Ctx, f.ID, "staff2", "s2-a")
	if err != nil {
		t.Fatalf("staff2 view: %v", err)
	}
	if _, ok := view["sale_price"]; ok {
		t.Fatalf("staff2 must not see sale_price")
	}
	if view["seller_name"] != "Asha Rao" {
		t.Fatalf("staff2 should see seller_name, got %q", view["seller_name"])
	}

	full, err := env.Engine.ReadView(env.Ctx, f.ID, "admin", "adm-a")
	if err != nil {
		t.Fatalf("admin view: %v", err)
	}
	if len(full) != len(f.Payload) {
		t.Fatalf("admin should see the full payload")
	}

	own, err := env.Engine.ReadView(env.Ctx, f.ID, "submitter", "citizen-1")
	if err != nil || len(own) != len(f.Payload) {
		t.Fatalf("submitter should see the full payload: %v", err)
	}
}

func TestLedgerReplayMatchesPayload(t *testing.T) {
	env := newTestEnv(t)
	f := newSubmitted(t, env)
	approve(t, env, f.ID, "staff1", "s1-a")
	if _, err := env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		FormID: f.ID, Role: "staff1", UserID: "s1-a", Field: "stamp_duty", NewValue: "31500",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		FormID: f.ID, Role: "staff2", UserID: "s2-a", Field: "witness_one", NewValue: "W. One",
		ChangeType: domain.ChangeCorrection,
	}); err != nil {
		t.Fatal(err)
	}

	replayed, err := env.Engine.Replay(env.Ctx, f.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	current, err := env.Engine.Repo.GetForm(env.Ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(replayed) != len(current.Payload) {
		t.Fatalf("replay size %d != payload size %d", len(replayed), len(current.Payload))
	}
	for k, v := range current.Payload {
		if replayed[k] != v {
			t.Fatalf("replay mismatch on %s: %q != %q", k, replayed[k], v)
		}
	}
}

func TestReplayKeepsReservedWordFieldNames(t *testing.T) {
	env := newTestEnv(t)
	// The payload namespace is open; nothing stops a form type from using
	// field names that collide with lifecycle vocabulary.
	f, err := env.Engine.CreateForm(env.Ctx, engine.FormCreateOptions{
		FormType: "sale-deed",
		Payload: map[string]string{
			"seller_name": "Asha Rao",
			"buyer_name":  "Vikram Singh",
			"sale_price":  "4500000",
			"status":      "freehold",
			"locked":      "no",
		},
		CreatedBy: "citizen-1",
	})
	if err != nil {
		t.Fatalf("create form: %v", err)
	}
	if _, err := env.Engine.Submit(env.Ctx, f.ID, "citizen-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	approve(t, env, f.ID, "staff1", "s1-a")
	approve(t, env, f.ID, "staff2", "s2-a")
	approve(t, env, f.ID, "staff3", "s3-a")
	approve(t, env, f.ID, "admin", "adm-a")
	if _, err := env.Engine.Unlock(env.Ctx, f.ID, "admin", "adm-a", "rework"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := env.Engine.OverrideStatus(env.Ctx, f.ID, domain.StatusInProgress, "adm-a"); err != nil {
		t.Fatalf("override status: %v", err)
	}

	// The ledger now holds approval, lock and status entries alongside the
	// payload writes; replay must still reproduce the payload exactly.
	replayed, err := env.Engine.Replay(env.Ctx, f.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	current, err := env.Engine.Repo.GetForm(env.Ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if replayed["status"] != "freehold" {
		t.Fatalf("replay dropped payload field status: got %q, want %q", replayed["status"], "freehold")
	}
	if replayed["locked"] != "no" {
		t.Fatalf("replay dropped payload field locked: got %q, want %q", replayed["locked"], "no")
	}
	if len(replayed) != len(current.Payload) {
		t.Fatalf("replay size %d != payload size %d", len(replayed), len(current.Payload))
	}
	for k, v := range current.Payload {
		if replayed[k] != v {
			t.Fatalf("replay mismatch on %s: %q != %q", k, replayed[k], v)
		}
	}

	// The reserved prefix itself stays off-limits for payload fields.
	_, err = env.Engine.CreateForm(env.Ctx, engine.FormCreateOptions{
		FormType: "sale-deed",
		Payload: map[string]string{
			"seller_name": "A", "buyer_name": "B", "sale_price": "1",
			"$status": "x",
		},
		CreatedBy: "citizen-1",
	})
	var verr engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for reserved field name, got %v", err)
	}
	_, err = env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		FormID: f.ID, Role: "admin", UserID: "adm-a", Field: "$locked", NewValue: "x",
	})
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for reserved edit field, got %v", err)
	}
}

func TestUnlockLeavesAdminOverrideTrail(t *testing.T) {
	env := newTestEnv(t)
	f := newSubmitted(t, env)
	approve(t, env, f.ID, "staff1", "s1-a")
	approve(t, env, f.ID, "staff2", "s2-a")
	approve(t, env, f.ID, "staff3", "s3-a")
	approve(t, env, f.ID, "admin", "adm-a")

	if _, err := env.Engine.Unlock(env.Ctx, f.ID, "staff1", "s1-a", "typo"); err == nil {
		t.Fatalf("expected non-admin unlock denied")
	}

	got, err := env.Engine.Unlock(env.Ctx, f.ID, "admin", "adm-a", "registration number typo")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if got.Locked || got.Status != domain.StatusSubmitted {
		t.Fatalf("expected unlocked submitted form, got %s locked=%v", got.Status, got.Locked)
	}

	entries, err := env.Engine.Repo.ListChanges(env.Ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if e.Field == "$locked" && e.ChangeType == domain.ChangeAdminOverride && e.ChangedByUser == "adm-a" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected admin-override ledger entry for unlock")
	}

	if _, err := env.Engine.ApplyEdit(env.Ctx, engine.EditOptions{
		FormID: f.ID, Role: "admin", UserID: "adm-a", Field: "sale_price", NewValue: "4600000",
		ChangeType: domain.ChangeAdminOverride,
	}); err != nil {
		t.Fatalf("edit after unlock: %v", err)
	}
}

func TestAssignmentEligibility(t *testing.T) {
	env := newTestEnv(t)
	f := newSubmitted(t, env)

	_, err := env.Engine.Assign(env.Ctx, f.ID, "s2-a", "adm-a", "")
	var terr engine.InvalidTargetError
	if !errors.As(err, &terr) {
		t.Fatalf("expected invalid target for wrong-role staff, got %v", err)
	}
	if terr.Required != "staff1" {
		t.Fatalf("expected staff1 required, got %s", terr.Required)
	}

	got, err := env.Engine.Assign(env.Ctx, f.ID, "s1-a", "adm-a", "workload")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.Status != domain.StatusInProgress || got.AssignedTo == nil || *got.AssignedTo != "s1-a" {
		t.Fatalf("expected in_progress assigned to s1-a, got %s %v", got.Status, got.AssignedTo)
	}

	if err := env.Engine.Repo.SetStaffActive(env.Ctx, "s1-a", false); err != nil {
		t.Fatal(err)
	}
	f2 := newSubmitted(t, env)
	if _, err := env.Engine.Assign(env.Ctx, f2.ID, "s1-a", "adm-a", ""); !errors.As(err, &terr) {
		t.Fatalf("expected invalid target for inactive staff, got %v", err)
	}
}

func TestParallelStageAssignment(t *testing.T) {
	env := newTestEnv(t)
	f := newSubmitted(t, env)
	approve(t, env, f.ID, "staff1", "s1-a")

	// Once staff1 approves, both parallel stages are open; staff3 is a valid
	// target even while staff2 has not decided yet.
	got, err := env.Engine.Assign(env.Ctx, f.ID, "s3-a", "adm-a", "")
	if err != nil {
		t.Fatalf("assign staff3 during parallel stretch: %v", err)
	}
	if got.AssignedTo == nil || *got.AssignedTo != "s3-a" {
		t.Fatalf("expected assignment to s3-a, got %v", got.AssignedTo)
	}
	got, err = env.Engine.Assign(env.Ctx, f.ID, "s2-a", "adm-a", "handover")
	if err != nil {
		t.Fatalf("reassign staff2: %v", err)
	}
	if got.AssignedTo == nil || *got.AssignedTo != "s2-a" {
		t.Fatalf("expected assignment to s2-a, got %v", got.AssignedTo)
	}

	// A decided stage closes again: after staff3 approves, its account is no
	// longer a target.
	approve(t, env, f.ID, "staff3", "s3-a")
	_, err = env.Engine.Assign(env.Ctx, f.ID, "s3-a", "adm-a", "")
	var terr engine.InvalidTargetError
	if !errors.As(err, &terr) {
		t.Fatalf("expected invalid target for decided stage, got %v", err)
	}
}

func TestAutoAssignPicksLeastLoaded(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Repo.InsertStaff(env.Ctx, domain.StaffAccount{ID: "s1-b", Role: "staff1", Active: true}); err != nil {
		t.Fatal(err)
	}
	// Load s1-a with one open form; s1-b should win the next auto-assign.
	f1 := newSubmitted(t, env)
	if _, err := env.Engine.Assign(env.Ctx, f1.ID, "s1-a", "adm-a", ""); err != nil {
		t.Fatal(err)
	}
	f2 := newSubmitted(t, env)
	got, err := env.Engine.AutoAssign(env.Ctx, f2.ID, "adm-a")
	if err != nil {
		t.Fatalf("auto-assign: %v", err)
	}
	if got.AssignedTo == nil || *got.AssignedTo != "s1-b" {
		t.Fatalf("expected least-loaded s1-b, got %v", got.AssignedTo)
	}
	// Equal load now; the tie breaks to the lexically first account id.
	f3 := newSubmitted(t, env)
	got, err = env.Engine.AutoAssign(env.Ctx, f3.ID, "adm-a")
	if err != nil {
		t.Fatal(err)
	}
	if got.AssignedTo == nil || *got.AssignedTo != "s1-a" {
		t.Fatalf("expected tie-break to s1-a, got %v", got.AssignedTo)
	}
}

func TestSweepUnassigned(t *testing.T) {
	env := newTestEnv(t)
	newSubmitted(t, env)
	newSubmitted(t, env)
	n, err := env.Engine.SweepUnassigned(env.Ctx, "system")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 swept, got %d", n)
	}
	ids, err := env.Engine.Repo.ListUnassignedSubmitted(env.Ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no unassigned forms, got %d", len(ids))
	}
}

func TestConcurrentParallelStageDecisions(t *testing.T) {
	env := newTestEnv(t)
	f := newSubmitted(t, env)
	approve(t, env, f.ID, "staff1", "s1-a")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	decide := func(i int, role, reviewer string) {
		defer wg.Done()
		_, errs[i] = env.Engine.Decide(env.Ctx, engine.DecisionOptions{
			FormID: f.ID, Role: role, ReviewerID: reviewer, Approved: true,
		})
	}
	wg.Add(2)
	go decide(0, "staff2", "s2-a")
	go decide(1, "staff3", "s3-a")
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent decision %d: %v", i, err)
		}
	}
	got, err := env.Engine.Repo.GetForm(env.Ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusUnderReview {
		t.Fatalf("expected under_review after both parallel approvals, got %s", got.Status)
	}
	vector, err := env.Engine.Repo.GetVector(env.Ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	approved := 0
	for _, rec := range vector {
		if rec.State == domain.ApprovalApproved {
			approved++
		}
	}
	if approved != 3 {
		t.Fatalf("expected 3 approvals recorded, got %d", approved)
	}
}

func TestConflictRetryExhaustion(t *testing.T) {
	env := newTestEnv(t)
	f := newSubmitted(t, env)

	// Each edit attempt re-reads the form and stamps the clock before
	// opening its transaction. Bumping the version from the clock hook lands
	// a competing write in that window on the attempt and on its retry.
	eng := env.Engine
	eng.Now = func() time.Time {
		if _, err := eng.DB.Exec(`UPDATE forms SET version=version+1 WHERE id=?`, f.ID); err != nil {
			t.Errorf("competing write: %v", err)
		}
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	}

	_, err := eng.ApplyEdit(env.Ctx, engine.EditOptions{
		FormID: f.ID, Role: "staff1", UserID: "s1-a", Field: "stamp_duty", NewValue: "31500",
	})
	var rerr engine.RetryExhaustedError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected retry exhaustion after two conflicts, got %v", err)
	}

	// The exhausted transition must leave nothing behind: no payload write,
	// no ledger entry.
	got, err := env.Engine.Repo.GetForm(env.Ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.Payload["stamp_duty"]; ok {
		t.Fatalf("payload mutated despite exhausted retry: %v", got.Payload)
	}
	entries, err := env.Engine.Repo.ListChanges(env.Ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Field == "stamp_duty" {
			t.Fatalf("ledger entry written despite exhausted retry")
		}
	}
}

func TestStatusChangeHookAndEvents(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	var transitions []string
	env.Engine.OnStatusChange = func(formID, from, to string) {
		mu.Lock()
		transitions = append(transitions, fmt.Sprintf("%s->%s", from, to))
		mu.Unlock()
	}
	f := newSubmitted(t, env)
	approve(t, env, f.ID, "staff1", "s1-a")
	approve(t, env, f.ID, "staff2", "s2-a")
	approve(t, env, f.ID, "staff3", "s3-a")
	approve(t, env, f.ID, "admin", "adm-a")

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) < 2 {
		t.Fatalf("expected status-change notifications, got %v", transitions)
	}
	last := transitions[len(transitions)-1]
	if last != "under_review->completed" {
		t.Fatalf("expected final transition to completed, got %s", last)
	}

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, f.ID, "form.status_changed")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 {
		t.Fatalf("expected status-change events in the log")
	}
}

func TestDeniedReadLogsSecurityEvent(t *testing.T) {
	env := newTestEnv(t)
	f := newSubmitted(t, env)
	if _, err := env.Engine.ReadView(env.Ctx, f.ID, "staff3", "s3-a"); err == nil {
		t.Fatalf("expected denial before staff1 approval")
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, f.ID, "access.denied")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 {
		t.Fatalf("expected access.denied event")
	}
}
