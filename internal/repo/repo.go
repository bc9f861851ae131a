package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"deedline/internal/config"
	"deedline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrVersionConflict signals an optimistic-concurrency failure: the form row
// changed between the caller's read and its version-checked write.
var ErrVersionConflict = errors.New("form version conflict")

const formColumns = `id,form_type,payload_json,status,locked,assigned_to,created_by,created_at,last_activity_at,version`

func scanForm(scan func(dest ...any) error) (domain.Form, error) {
	var f domain.Form
	var payload string
	var locked int
	var assignedTo sql.NullString
	err := scan(&f.ID, &f.FormType, &payload, &f.Status, &locked, &assignedTo, &f.CreatedBy, &f.CreatedAt, &f.LastActivityAt, &f.Version)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	f.Locked = locked != 0
	if assignedTo.Valid {
		f.AssignedTo = &assignedTo.String
	}
	if err := json.Unmarshal([]byte(payload), &f.Payload); err != nil {
		return f, fmt.Errorf("decode payload for form %s: %w", f.ID, err)
	}
	if f.Payload == nil {
		f.Payload = map[string]string{}
	}
	return f, nil
}

func (r Repo) InsertFormTx(ctx context.Context, tx *sql.Tx, f domain.Form) error {
	payload, err := json.Marshal(f.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO forms(id,form_type,payload_json,status,locked,assigned_to,created_by,created_at,last_activity_at,version)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.FormType, string(payload), f.Status, boolInt(f.Locked), nullableStringPtr(f.AssignedTo), f.CreatedBy, f.CreatedAt, f.LastActivityAt, f.Version)
	return err
}

func (r Repo) GetForm(ctx context.Context, id string) (domain.Form, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+formColumns+` FROM forms WHERE id=?`, id)
	return scanForm(row.Scan)
}

func (r Repo) GetFormTx(ctx context.Context, tx *sql.Tx, id string) (domain.Form, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+formColumns+` FROM forms WHERE id=?`, id)
	return scanForm(row.Scan)
}

// UpdateFormTx writes the form's mutable columns guarded by the version the
// caller read. The row version is bumped; zero rows affected means another
// writer got there first.
func (r Repo) UpdateFormTx(ctx context.Context, tx *sql.Tx, f domain.Form, expectedVersion int64) error {
	payload, err := json.Marshal(f.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE forms SET payload_json=?, status=?, locked=?, assigned_to=?, last_activity_at=?, version=version+1
WHERE id=? AND version=?`,
		string(payload), f.Status, boolInt(f.Locked), nullableStringPtr(f.AssignedTo), f.LastActivityAt, f.ID, expectedVersion)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}

type FormFilters struct {
	Status          string
	FormType        string
	AssignedTo      string
	CreatedBy       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListForms(ctx context.Context, f FormFilters) ([]domain.Form, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.FormType != "" {
		clauses = append(clauses, "form_type=?")
		args = append(args, f.FormType)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + formColumns + ` FROM forms ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Form
	for rows.Next() {
		frm, err := scanForm(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, frm)
	}
	return res, rows.Err()
}

// ListUnassignedSubmitted returns submitted forms with no current assignee,
// oldest first, for the auto-assign sweep.
func (r Repo) ListUnassignedSubmitted(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM forms WHERE status=? AND assigned_to IS NULL ORDER BY created_at ASC, id ASC LIMIT ?`,
		domain.StatusSubmitted, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Workflow config storage. The active pipeline config lives in the database
// so the CLI and server share one source of truth; import is explicit.

func (r Repo) UpsertWorkflowConfig(ctx context.Context, registryID string, cfg *config.Config) error {
	return upsertWorkflowConfig(ctx, r.DB, nil, registryID, cfg)
}

func (r Repo) UpsertWorkflowConfigTx(ctx context.Context, tx *sql.Tx, registryID string, cfg *config.Config) error {
	return upsertWorkflowConfig(ctx, nil, tx, registryID, cfg)
}

func upsertWorkflowConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, registryID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Registry.ID = registryID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO workflow_configs(registry_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(registry_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, registryID, string(payload), now, now)
	return err
}

func (r Repo) GetWorkflowConfig(ctx context.Context, registryID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM workflow_configs WHERE registry_id=?`, registryID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Registry.ID == "" {
		cfg.Registry.ID = registryID
	}
	return &cfg, cfg.Validate()
}

// Event queries for log tailing and webhook dispatch.

func (r Repo) LatestEvents(ctx context.Context, limit int, formID, evtType string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, formID, evtType)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, formID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if formID != "" {
		clauses = append(clauses, "form_id=?")
		args = append(args, formID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(form_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,COALESCE(form_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.FormID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
