package repo

import (
	"context"
	"database/sql"

	"deedline/internal/domain"
)

// InitApprovalsTx lazily creates pending records for every pipeline role.
// Re-running for an already-submitted form is a no-op.
func (r Repo) InitApprovalsTx(ctx context.Context, tx *sql.Tx, formID string, roles []string) error {
	for _, role := range roles {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO approvals(form_id, role, state) VALUES (?,?,?)`,
			formID, role, domain.ApprovalPending); err != nil {
			return err
		}
	}
	return nil
}

const approvalColumns = `form_id,role,state,reviewer_id,COALESCE(notes,''),decided_at`

func scanApproval(scan func(dest ...any) error) (domain.ApprovalRecord, error) {
	var rec domain.ApprovalRecord
	var reviewer, decided sql.NullString
	err := scan(&rec.FormID, &rec.Role, &rec.State, &reviewer, &rec.Notes, &decided)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if reviewer.Valid {
		rec.ReviewerID = &reviewer.String
	}
	if decided.Valid {
		rec.DecidedAt = &decided.String
	}
	return rec, nil
}

// GetVector returns all approval records for a form. Callers order the
// result against the configured pipeline; storage order is not meaningful.
func (r Repo) GetVector(ctx context.Context, formID string) ([]domain.ApprovalRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE form_id=? ORDER BY role ASC`, formID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectApprovals(rows)
}

func (r Repo) GetVectorTx(ctx context.Context, tx *sql.Tx, formID string) ([]domain.ApprovalRecord, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE form_id=? ORDER BY role ASC`, formID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectApprovals(rows)
}

func collectApprovals(rows *sql.Rows) ([]domain.ApprovalRecord, error) {
	var res []domain.ApprovalRecord
	for rows.Next() {
		rec, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// DecideTx sets a role's record out of pending. The WHERE guard makes a
// second decision for the same (form, role) report false instead of
// double-writing.
func (r Repo) DecideTx(ctx context.Context, tx *sql.Tx, formID, role, state, reviewerID, notes, decidedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE approvals SET state=?, reviewer_id=?, notes=?, decided_at=?
WHERE form_id=? AND role=? AND state=?`,
		state, reviewerID, nullable(notes), decidedAt, formID, role, domain.ApprovalPending)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ResetApprovalsTx returns every record to pending; used when an admin
// unlock re-opens a terminal form for a fresh review cycle.
func (r Repo) ResetApprovalsTx(ctx context.Context, tx *sql.Tx, formID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE approvals SET state=?, reviewer_id=NULL, notes=NULL, decided_at=NULL WHERE form_id=?`,
		domain.ApprovalPending, formID)
	return err
}
