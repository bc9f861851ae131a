package server

import (
	"encoding/json"

	"deedline/internal/config"
	"deedline/internal/domain"
)

// Request payloads

type CreateFormRequest struct {
	ID       *string           `json:"id,omitempty"`
	FormType string            `json:"form_type" enum:"sale-deed,will-deed,trust-deed,property-registration,power-of-attorney,adoption-deed,contact-form"`
	Payload  map[string]string `json:"payload"`
}

type EditFieldRequest struct {
	Field      string `json:"field"`
	Value      string `json:"value"`
	ChangeType string `json:"change_type,omitempty" enum:"edit,correction,admin-override"`
}

type DecisionRequest struct {
	Approved bool   `json:"approved"`
	Notes    string `json:"notes,omitempty"`
}

type AssignRequest struct {
	StaffID string `json:"staff_id"`
	Reason  string `json:"reason,omitempty"`
}

type UnlockRequest struct {
	Reason string `json:"reason"`
}

type OverrideStatusRequest struct {
	Status string `json:"status" enum:"draft,submitted,in_progress,under_review,verified,completed,rejected"`
}

type CreateStaffRequest struct {
	ID   string `json:"id"`
	Role string `json:"role" enum:"staff1,staff2,staff3,staff4,admin"`
	Name string `json:"name,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"submitter,staff1,staff2,staff3,staff4,admin"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty" enum:"submitter,staff1,staff2,staff3,staff4,admin"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type FormResponse struct {
	ID             string            `json:"id"`
	FormType       string            `json:"form_type"`
	Payload        map[string]string `json:"payload"`
	Status         string            `json:"status" enum:"draft,submitted,in_progress,under_review,verified,completed,rejected"`
	Locked         bool              `json:"locked"`
	AssignedTo     *string           `json:"assigned_to,omitempty"`
	CreatedBy      string            `json:"created_by"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
	LastActivityAt string            `json:"last_activity_at" format:"date-time"`
	Version        int64             `json:"version"`
}

type ApprovalResponse struct {
	FormID     string  `json:"form_id"`
	Role       string  `json:"role"`
	State      string  `json:"state" enum:"pending,approved,rejected"`
	ReviewerID *string `json:"reviewer_id,omitempty"`
	Notes      string  `json:"notes,omitempty"`
	DecidedAt  *string `json:"decided_at,omitempty" format:"date-time"`
}

type ChangeResponse struct {
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

type AssignmentResponse struct {
	FormID     string `json:"form_id"`
	StaffID    string `json:"staff_id"`
	AssignedBy string `json:"assigned_by"`
	Reason     string `json:"reason,omitempty"`
	AssignedAt string `json:"assigned_at" format:"date-time"`
}

type StaffResponse struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	FormID     string         `json:"form_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ViewResponse struct {
	FormID string            `json:"form_id"`
	Role   string            `json:"role"`
	Fields map[string]string `json:"fields"`
}

type WhoAmIResponse struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type WorkflowConfigResponse struct {
	Registry registryConfigSection          `json:"registry"`
	Forms    map[string]formTypeSection     `json:"forms"`
	Pipeline []stageSection                 `json:"pipeline"`
	Views    map[string]map[string][]string `json:"views"`
}

type registryConfigSection struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type formTypeSection struct {
	Description string   `json:"description"`
	Required    []string `json:"required"`
}

type stageSection struct {
	Role     string   `json:"role"`
	Requires []string `json:"requires"`
	Final    bool     `json:"final,omitempty"`
}

type paginatedForms struct {
	Items      []FormResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func formResponse(f domain.Form) FormResponse {
	return FormResponse(f)
}

func approvalResponse(a domain.ApprovalRecord) ApprovalResponse {
	return ApprovalResponse(a)
}

func changeResponse(c domain.ChangeLogEntry) ChangeResponse {
	return ChangeResponse(c)
}

func assignmentResponse(a domain.Assignment) AssignmentResponse {
	return AssignmentResponse(a)
}

func staffResponse(s domain.StaffAccount) StaffResponse {
	return StaffResponse(s)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		FormID:     e.FormID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func configResponse(cfg *config.Config) WorkflowConfigResponse {
	res := WorkflowConfigResponse{
		Registry: registryConfigSection{
			ID:   cfg.Registry.ID,
			Kind: cfg.Registry.Kind,
		},
		Forms: map[string]formTypeSection{},
		Views: cfg.Views,
	}
	for name, ft := range cfg.Forms.Catalog {
		res.Forms[name] = formTypeSection{
			Description: ft.Description,
			Required:    nonNilSlice(ft.Required),
		}
	}
	for _, s := range cfg.Pipeline.Stages {
		res.Pipeline = append(res.Pipeline, stageSection{
			Role:     s.Role,
			Requires: nonNilSlice(s.Requires),
			Final:    s.Final,
		})
	}
	return res
}

func mapForms(items []domain.Form) []FormResponse {
	res := make([]FormResponse, 0, len(items))
	for _, f := range items {
		res = append(res, formResponse(f))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
