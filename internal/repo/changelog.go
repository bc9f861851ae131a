package repo

import (
	"context"
	"database/sql"

	"deedline/internal/domain"
)

// AppendChangeTx writes one ledger entry. The ledger is append-only; there
// is deliberately no update or delete counterpart.
func (r Repo) AppendChangeTx(ctx context.Context, tx *sql.Tx, e domain.ChangeLogEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO change_log(form_id,field,old_value,new_value,changed_by_role,changed_by_user,ts,change_type)
VALUES (?,?,?,?,?,?,?,?)`,
		e.FormID, e.Field, e.OldValue, e.NewValue, e.ChangedByRole, e.ChangedByUser, e.TS, e.ChangeType)
	return err
}

// ListChanges returns a form's ledger in insertion order, oldest first, so
// replaying it reconstructs the payload.
func (r Repo) ListChanges(ctx context.Context, formID string) ([]domain.ChangeLogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,form_id,field,old_value,new_value,changed_by_role,changed_by_user,ts,change_type
FROM change_log WHERE form_id=? ORDER BY id ASC`, formID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChangeLogEntry
	for rows.Next() {
		var e domain.ChangeLogEntry
		if err := rows.Scan(&e.ID, &e.FormID, &e.Field, &e.OldValue, &e.NewValue, &e.ChangedByRole, &e.ChangedByUser, &e.TS, &e.ChangeType); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountChanges returns the number of ledger entries for a form, optionally
// restricted to one field.
func (r Repo) CountChanges(ctx context.Context, formID, field string) (int, error) {
	query := `SELECT count(*) FROM change_log WHERE form_id=?`
	args := []any{formID}
	if field != "" {
		query += ` AND field=?`
		args = append(args, field)
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}
