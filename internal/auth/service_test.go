package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestServiceAuthenticate(t *testing.T) {
	t.Setenv("OPS_TOKEN", "from-env")
	svc, err := NewService(Config{Tokens: []TokenConfig{
		{Name: "ops", TokenEnv: "OPS_TOKEN", Permissions: []string{PermAll}},
		{Name: "jobs", Token: "jobs-token", Permissions: []string{PermJobsWrite}},
	}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if !svc.Enabled() {
		t.Fatal("expected service to be enabled")
	}

	subject, err := svc.AuthenticateRequest("Bearer from-env")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Name != "ops" || !subject.HasPermission(PermLedgerWrite) {
		t.Fatalf("wildcard subject lacks permission: %+v", subject)
	}

	subject, err = svc.AuthenticateRequest("bearer jobs-token")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := subject.Authorize(PermLedgerWrite); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}

	if _, err := svc.AuthenticateRequest("Bearer nope"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest("Basic abc"); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}

func TestServiceConfigErrors(t *testing.T) {
	if _, err := NewService(Config{Tokens: []TokenConfig{{Name: "empty"}}}); err == nil {
		t.Fatal("expected empty token to be rejected")
	}
	if _, err := NewService(Config{Tokens: []TokenConfig{{Token: "same"}, {Token: "same"}}}); err == nil {
		t.Fatal("expected duplicate tokens to be rejected")
	}
	svc, err := NewService(Config{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if svc.Enabled() {
		t.Fatal("no tokens should disable the service")
	}
}

func TestRequireMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, err := NewService(Config{Tokens: []TokenConfig{{Name: "ops", Token: "t", Permissions: []string{PermJobsWrite}}}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	engine := gin.New()
	engine.POST("/jobs", svc.Require(PermJobsWrite), func(c *gin.Context) {
		subject := SubjectFromContext(c.Request.Context())
		if subject == nil {
			t.Fatal("subject missing from context")
		}
		c.String(http.StatusOK, subject.Name)
	})

	req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer t")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ops" {
		t.Fatalf("unexpected response %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs", nil))
	if rec.Code != http.StatusUnauthorized || rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected 401 with challenge, got %d", rec.Code)
	}
}

func TestDisabledServicePassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var svc *Service
	engine := gin.New()
	engine.GET("/", svc.Require(PermAll), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
}
