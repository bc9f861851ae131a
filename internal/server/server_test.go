package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"deedline/internal/config"
	"deedline/internal/db"
	"deedline/internal/domain"
	"deedline/internal/engine"
	"deedline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("deedline")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if err := e.Repo.UpsertWorkflowConfig(ctx, cfg.Registry.ID, cfg); err != nil {
		t.Fatalf("seed workflow config: %v", err)
	}
	for _, s := range []domain.StaffAccount{
		{ID: "s1-a", Role: "staff1", Active: true},
		{ID: "s2-a", Role: "staff2", Active: true},
		{ID: "s3-a", Role: "staff3", Active: true},
		{ID: "adm-a", Role: "admin", Active: true},
	} {
		if err := e.Repo.InsertStaff(ctx, s); err != nil {
			t.Fatalf("seed staff: %v", err)
		}
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:             "test-secret",
			AllowLegacyUserHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asUser(id, role string) map[string]string {
	return map[string]string{"X-User-Id": id, "X-User-Role": role}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func TestFullApprovalFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	citizen := asUser("citizen-1", "submitter")

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/forms", map[string]any{
		"form_type": "sale-deed",
		"payload": map[string]string{
			"seller_name": "Asha Rao",
			"buyer_name":  "Vikram Singh",
			"sale_price":  "4500000",
		},
	}, citizen)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create form status %d: %s", createRes.StatusCode, string(data))
	}
	var created FormResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal form: %v", err)
	}
	formID := created.ID

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/forms/"+formID+"/submit", nil, citizen)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(body))
	}

	for _, step := range []struct{ role, user string }{
		{"staff1", "s1-a"},
		{"staff2", "s2-a"},
		{"staff3", "s3-a"},
		{"admin", "adm-a"},
	} {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/forms/"+formID+"/decision", map[string]any{
			"approved": true,
		}, asUser(step.user, step.role))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s decision status %d: %s", step.role, res.StatusCode, string(body))
		}
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/forms/"+formID, nil, citizen)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get form status %d: %s", getRes.StatusCode, string(getBody))
	}
	var final FormResponse
	if err := json.Unmarshal(getBody, &final); err != nil {
		t.Fatalf("unmarshal final: %v", err)
	}
	if final.Status != "completed" || !final.Locked {
		t.Fatalf("expected completed+locked, got %s locked=%v", final.Status, final.Locked)
	}
}

func TestOutOfOrderDecisionEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	formID := createSubmittedForm(t, srv)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/forms/"+formID+"/decision", map[string]any{
		"approved": true,
	}, asUser("s2-a", "staff2"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(body))
	}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Error.Code != "out_of_order" {
		t.Fatalf("expected out_of_order code, got %q", env.Error.Code)
	}
	if env.Error.Details["required"] != "staff1" {
		t.Fatalf("expected staff1 in details, got %v", env.Error.Details)
	}
}

func TestRejectionWithoutNotes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	formID := createSubmittedForm(t, srv)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/forms/"+formID+"/decision", map[string]any{
		"approved": false,
	}, asUser("s1-a", "staff1"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(body))
	}
	var env errorEnvelope
	_ = json.Unmarshal(body, &env)
	if env.Error.Code != "missing_reason" {
		t.Fatalf("expected missing_reason code, got %q", env.Error.Code)
	}
}

func TestRoleScopedViewOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	formID := createSubmittedForm(t, srv)

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/forms/"+formID+"/view", nil, asUser("s2-a", "staff2"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 before staff1 approval, got %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/forms/"+formID+"/decision", map[string]any{
		"approved": true,
	}, asUser("s1-a", "staff1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("staff1 approve: %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/forms/"+formID+"/view", nil, asUser("s2-a", "staff2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("view status %d: %s", res.StatusCode, string(body))
	}
	var view ViewResponse
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("unmarshal view: %v", err)
	}
	if _, ok := view.Fields["sale_price"]; ok {
		t.Fatalf("staff2 view must not include sale_price: %v", view.Fields)
	}
	if view.Fields["seller_name"] != "Asha Rao" {
		t.Fatalf("expected seller_name visible to staff2, got %v", view.Fields)
	}
}

func TestSubmitterListScopedToOwnForms(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createSubmittedForm(t, srv)

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/forms", nil, asUser("citizen-2", "submitter"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(body))
	}
	var page paginatedForms
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("citizen-2 must not see citizen-1 forms, got %d", len(page.Items))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/forms", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(body))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must not require auth, got %d", res.StatusCode)
	}
}

func TestDevLoginAndJWT(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"user_id": "citizen-9",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(body))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(body, &login); err != nil || login.Token == "" {
		t.Fatalf("expected token, got %s", string(body))
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(body))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(body, &who)
	if who.UserID != "citizen-9" || who.Role != "submitter" {
		t.Fatalf("unexpected principal %+v", who)
	}
}

func TestAPIKeyCarriesRole(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	admin := asUser("adm-a", "admin")

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/api-keys", map[string]any{
		"actor_id": "s1-a",
		"role":     "staff1",
		"name":     "fee desk",
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("mint key status %d: %s", res.StatusCode, string(body))
	}
	var minted APIKeyResponse
	if err := json.Unmarshal(body, &minted); err != nil || minted.Key == "" {
		t.Fatalf("expected plaintext key in mint response: %s", string(body))
	}

	formID := createSubmittedForm(t, srv)
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/forms/"+formID+"/decision", map[string]any{
		"approved": true,
	}, map[string]string{"X-Api-Key": minted.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api-key decision status %d: %s", res.StatusCode, string(body))
	}
}

func TestUnlockRequiresAdmin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	formID := createSubmittedForm(t, srv)

	for _, step := range []struct{ role, user string }{
		{"staff1", "s1-a"}, {"staff2", "s2-a"}, {"staff3", "s3-a"}, {"admin", "adm-a"},
	} {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/forms/"+formID+"/decision", map[string]any{
			"approved": true,
		}, asUser(step.user, step.role))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s approve: %d %s", step.role, res.StatusCode, string(body))
		}
	}

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/forms/"+formID+"/unlock", map[string]any{
		"reason": "typo",
	}, asUser("s1-a", "staff1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for staff unlock, got %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/forms/"+formID+"/unlock", map[string]any{
		"reason": "registration number typo",
	}, asUser("adm-a", "admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin unlock status %d: %s", res.StatusCode, string(body))
	}
	var unlocked FormResponse
	_ = json.Unmarshal(body, &unlocked)
	if unlocked.Locked || unlocked.Status != "submitted" {
		t.Fatalf("expected unlocked submitted form, got %+v", unlocked)
	}
}

func createSubmittedForm(t *testing.T, srv *testServer) string {
	t.Helper()
	client := srv.Client()
	citizen := asUser("citizen-1", "submitter")
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/forms", map[string]any{
		"form_type": "sale-deed",
		"payload": map[string]string{
			"seller_name": "Asha Rao",
			"buyer_name":  "Vikram Singh",
			"sale_price":  "4500000",
		},
	}, citizen)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create form: %d %s", res.StatusCode, string(data))
	}
	var created FormResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal form: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/forms/"+created.ID+"/submit", nil, citizen)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	return created.ID
}
