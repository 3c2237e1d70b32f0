// Package session tracks the principal a client acts for.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/projectsync/internal/entities"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	// ErrUnauthenticated is returned when an operation needs a signed-in principal.
	ErrUnauthenticated = errors.New("session: not authenticated")
	// ErrInvalidToken is returned when the access token carries no usable subject.
	ErrInvalidToken = errors.New("session: invalid access token")
)

// Session holds the access token and principal of one client. It starts uninitialized;
// readers waiting on WaitInitialized are released by Initialize or SignOut.
type Session struct {
	logger *zap.Logger

	mu          sync.RWMutex
	token       string
	principal   entities.PrincipalID
	initialized bool
	ready       chan struct{}
}

// New constructs an uninitialized Session.
func New(logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{logger: logger, ready: make(chan struct{})}
}

// Initialize adopts token as the current session. An empty token initializes an anonymous
// session. The token is decoded without verification; the server verifies it on use.
func (s *Session) Initialize(token string) error {
	token = strings.TrimSpace(token)
	var principal entities.PrincipalID
	if token != "" {
		subject, err := subjectOf(token)
		if err != nil {
			s.logger.Warn("session token rejected", zap.Error(err))
			s.markInitialized("", "")
			return err
		}
		principal = subject
	}
	s.markInitialized(token, principal)
	s.logger.Info("session initialized",
		zap.Bool("authenticated", principal != ""),
		zap.String("principal", principal.String()))
	return nil
}

// SignOut clears the principal. The session stays initialized.
func (s *Session) SignOut() {
	s.markInitialized("", "")
	s.logger.Info("session signed out")
}

// WaitInitialized blocks until the session is initialized or ctx ends.
func (s *Session) WaitInitialized(ctx context.Context) error {
	s.mu.RLock()
	ready := s.ready
	s.mu.RUnlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Initialized reports whether Initialize or SignOut has run.
func (s *Session) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// Principal returns the signed-in principal.
func (s *Session) Principal() (entities.PrincipalID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principal, s.principal != ""
}

// Token returns the raw access token, or ErrUnauthenticated.
func (s *Session) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrUnauthenticated
	}
	return s.token, nil
}

func (s *Session) markInitialized(token string, principal entities.PrincipalID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.principal = principal
	if !s.initialized {
		s.initialized = true
		close(s.ready)
	}
}

func subjectOf(token string) (entities.PrincipalID, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	principal, err := entities.NewPrincipalID(claims.Subject)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return principal, nil
}
