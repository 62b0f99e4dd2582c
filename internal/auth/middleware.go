package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Require 返回 gin 中间件：校验令牌并要求主体拥有 perms 中的全部权限。
// 服务未启用时直接放行。
func (s *Service) Require(perms ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.Enabled() {
			c.Next()
			return
		}
		r := c.Request
		subject, err := s.AuthenticateRequest(r.Header.Get("Authorization"))
		if err == nil {
			err = subject.Authorize(perms...)
		}
		if err != nil {
			status, code := http.StatusUnauthorized, "UNAUTHORIZED"
			if errors.Is(err, ErrPermissionDenied) {
				status, code = http.StatusForbidden, "FORBIDDEN"
			}
			attrs := []any{"path", r.URL.Path, "method", r.Method, "status", status, "error", err.Error()}
			if subject != nil {
				attrs = append(attrs, "user", subject.Name)
			}
			s.audit.Warn("access_denied", attrs...)
			c.Header("WWW-Authenticate", `Bearer realm="openproof"`)
			c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": code, "message": err.Error()}})
			return
		}

		start := time.Now()
		c.Request = r.WithContext(WithSubject(r.Context(), subject))
		c.Next()
		s.audit.Info("api_request",
			"method", r.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"user", subject.Name,
		)
	}
}

type subjectKey struct{}

// WithSubject attaches the authenticated operator to ctx.
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the operator that authorised the request, if any.
func SubjectFromContext(ctx context.Context) *Subject {
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}
