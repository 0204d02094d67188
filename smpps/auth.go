package smpps

import (
	"context"
)

// AuthService is the single capability a bind handler needs: turn a
// system_id/password pair into a user_id. It stands in for the
// hidden realm/portal/checker chain of the system this was distilled
// from — here it's one injected collaborator, not a lookup through
// global state.
type AuthService struct {
	router Router
}

// NewAuthService wraps router as an AuthService.
func NewAuthService(router Router) *AuthService {
	return &AuthService{router: router}
}

// Authenticate delegates to the Router, which is responsible for
// comparing the password in constant time.
func (a *AuthService) Authenticate(ctx context.Context, systemID, password string) (string, error) {
	return a.router.Authenticate(ctx, systemID, password)
}
