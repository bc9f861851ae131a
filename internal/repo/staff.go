package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"deedline/internal/domain"
)

func (r Repo) InsertStaff(ctx context.Context, s domain.StaffAccount) error {
	if s.ID == "" {
		return errors.New("id required")
	}
	if s.Role == "" {
		return errors.New("role required")
	}
	if s.CreatedAt == "" {
		s.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO staff_accounts(id,role,name,active,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.Role, nullable(s.Name), boolInt(s.Active), s.CreatedAt)
	return err
}

func (r Repo) GetStaff(ctx context.Context, id string) (domain.StaffAccount, error) {
	var s domain.StaffAccount
	var name sql.NullString
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT id,role,name,active,created_at FROM staff_accounts WHERE id=?`, id).
		Scan(&s.ID, &s.Role, &name, &active, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if name.Valid {
		s.Name = name.String
	}
	s.Active = active != 0
	return s, nil
}

// ListStaff returns staff accounts, optionally filtered by role and
// restricted to active accounts. Ordered by id for deterministic
// auto-assign tie-breaking.
func (r Repo) ListStaff(ctx context.Context, role string, activeOnly bool) ([]domain.StaffAccount, error) {
	query := `SELECT id,role,name,active,created_at FROM staff_accounts`
	var clauses []string
	var args []any
	if role != "" {
		clauses = append(clauses, "role=?")
		args = append(args, role)
	}
	if activeOnly {
		clauses = append(clauses, "active=1")
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY id ASC"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StaffAccount
	for rows.Next() {
		var s domain.StaffAccount
		var name sql.NullString
		var active int
		if err := rows.Scan(&s.ID, &s.Role, &name, &active, &s.CreatedAt); err != nil {
			return nil, err
		}
		if name.Valid {
			s.Name = name.String
		}
		s.Active = active != 0
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) SetStaffActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE staff_accounts SET active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
