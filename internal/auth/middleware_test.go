package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestService(audit *bytes.Buffer) *Service {
	return NewService(Config{AdminToken: "admin-secret", ReadToken: "read-secret"}).
		WithAuditLogger(slog.New(slog.NewJSONHandler(audit, nil)))
}

func serve(t *testing.T, svc *Service, method, token string) (*httptest.ResponseRecorder, *Subject) {
	t.Helper()
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{RequiredPermissions: DefaultPermissions()})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = SubjectFromContext(r.Context())
			w.WriteHeader(http.StatusAccepted)
		}))
	req := httptest.NewRequest(method, "/api/v1/plugins/hello/enable", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seen
}

func TestMiddlewareRejectsMissingAndInvalidTokens(t *testing.T) {
	var audit bytes.Buffer
	svc := newTestService(&audit)
	for _, token := range []string{"", "wrong"} {
		rec, _ := serve(t, svc, http.MethodGet, token)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %d", token, rec.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["code"] != "UNAUTHORIZED" {
			t.Fatalf("unexpected body: %s", rec.Body.String())
		}
	}
	if !strings.Contains(audit.String(), "access_denied") {
		t.Fatalf("denials should be audited: %s", audit.String())
	}
}

func TestMiddlewareEnforcesWritePermission(t *testing.T) {
	var audit bytes.Buffer
	svc := newTestService(&audit)

	rec, _ := serve(t, svc, http.MethodPost, "read-secret")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("read token must not write, got %d", rec.Code)
	}
	rec, seen := serve(t, svc, http.MethodGet, "read-secret")
	if rec.Code != http.StatusAccepted || seen == nil || seen.Name != "viewer" {
		t.Fatalf("read token should read: %d %+v", rec.Code, seen)
	}
	rec, seen = serve(t, svc, http.MethodPost, "admin-secret")
	if rec.Code != http.StatusAccepted || seen == nil || !seen.HasPermission(PermissionWrite) {
		t.Fatalf("admin token should write: %d %+v", rec.Code, seen)
	}
	if !strings.Contains(audit.String(), `"api_request"`) || !strings.Contains(audit.String(), `"user":"admin"`) {
		t.Fatalf("write request should be audited: %s", audit.String())
	}
}

func TestDisabledServicePassesThrough(t *testing.T) {
	var audit bytes.Buffer
	svc := NewService(Config{}).WithAuditLogger(slog.New(slog.NewJSONHandler(&audit, nil)))
	if svc.Mode() != ModeDisabled {
		t.Fatalf("expected disabled mode")
	}
	rec, seen := serve(t, svc, http.MethodDelete, "")
	if rec.Code != http.StatusAccepted || seen != nil {
		t.Fatalf("disabled auth should pass through: %d %+v", rec.Code, seen)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestSubjectAuthorize(t *testing.T) {
	s := &Subject{Name: "ops", Permissions: []string{" Plugins.Read "}}
	if err := s.Authorize(PermissionRead); err != nil {
		t.Fatalf("permission lookup should be normalised: %v", err)
	}
	if err := s.Authorize(PermissionWrite); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	var nilSubject *Subject
	if err := nilSubject.Authorize(); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("nil subject should be invalid")
	}
}
