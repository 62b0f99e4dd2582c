package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"OpenProof-Chain/pkg/logger"
)

type credential struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// Service authenticates operator bearer tokens.
type Service struct {
	credentials []credential
	audit       *slog.Logger
}

// NewService builds the service. A Config without tokens yields a disabled service.
func NewService(cfg Config) (*Service, error) {
	svc := &Service{audit: logger.Audit()}
	seen := make(map[[sha256.Size]byte]string, len(cfg.Tokens))
	for i, tc := range cfg.Tokens {
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			name = fmt.Sprintf("token-%d", i)
		}
		token := strings.TrimSpace(tc.Token)
		if token == "" && tc.TokenEnv != "" {
			token = strings.TrimSpace(os.Getenv(tc.TokenEnv))
		}
		if token == "" {
			return nil, fmt.Errorf("auth token %s is empty", name)
		}
		digest := sha256.Sum256([]byte(token))
		if other, dup := seen[digest]; dup {
			return nil, fmt.Errorf("auth tokens %s and %s are identical", other, name)
		}
		seen[digest] = name
		subject := &Subject{Name: name, Permissions: append([]string(nil), tc.Permissions...)}
		subject.normalise()
		svc.credentials = append(svc.credentials, credential{digest: digest, subject: subject})
	}
	return svc, nil
}

// Enabled reports whether any token is configured.
func (s *Service) Enabled() bool {
	return s != nil && len(s.credentials) > 0
}

// AuthenticateRequest resolves the subject of an Authorization header.
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var match *Subject
	// no early exit: every credential is compared
	for _, c := range s.credentials {
		if subtle.ConstantTimeCompare(digest[:], c.digest[:]) == 1 {
			match = c.subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	return match, nil
}
