package repo

import (
	"context"
	"database/sql"

	"deedline/internal/domain"
)

// SetAssignmentTx overwrites the current assignment and appends to the
// history. Only the current row is authoritative for access decisions; the
// history exists for audit.
func (r Repo) SetAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO assignments(form_id,staff_id,assigned_by,reason,assigned_at) VALUES (?,?,?,?,?)
ON CONFLICT(form_id) DO UPDATE SET staff_id=excluded.staff_id, assigned_by=excluded.assigned_by, reason=excluded.reason, assigned_at=excluded.assigned_at`,
		a.FormID, a.StaffID, a.AssignedBy, nullable(a.Reason), a.AssignedAt); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO assignment_history(form_id,staff_id,assigned_by,reason,assigned_at) VALUES (?,?,?,?,?)`,
		a.FormID, a.StaffID, a.AssignedBy, nullable(a.Reason), a.AssignedAt)
	return err
}

func (r Repo) GetAssignment(ctx context.Context, formID string) (domain.Assignment, error) {
	var a domain.Assignment
	var reason sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT form_id,staff_id,assigned_by,reason,assigned_at FROM assignments WHERE form_id=?`, formID).
		Scan(&a.FormID, &a.StaffID, &a.AssignedBy, &reason, &a.AssignedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if reason.Valid {
		a.Reason = reason.String
	}
	return a, err
}

func (r Repo) ListAssignmentHistory(ctx context.Context, formID string) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT form_id,staff_id,assigned_by,reason,assigned_at FROM assignment_history WHERE form_id=? ORDER BY id ASC`, formID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		var a domain.Assignment
		var reason sql.NullString
		if err := rows.Scan(&a.FormID, &a.StaffID, &a.AssignedBy, &reason, &a.AssignedAt); err != nil {
			return nil, err
		}
		if reason.Valid {
			a.Reason = reason.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountOpenAssignments returns how many non-terminal forms a staff member
// currently holds; the auto-assign policy picks the least-loaded account.
func (r Repo) CountOpenAssignments(ctx context.Context, staffID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM forms WHERE assigned_to=? AND status IN (?,?,?)`,
		staffID, domain.StatusSubmitted, domain.StatusInProgress, domain.StatusUnderReview).Scan(&n)
	return n, err
}
