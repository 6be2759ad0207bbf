// Package auth resolves request credentials to a workspace-scoped principal.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/victorchrollo14/agent0-sub000/internal/apperr"
	"github.com/victorchrollo14/agent0-sub000/internal/storage"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidKey   = errors.New("invalid api key")
)

// Method names how a principal authenticated.
type Method string

const (
	MethodAPIKey Method = "api_key"
	MethodBearer Method = "bearer"
)

// Principal is an authenticated caller. API key callers always have a
// WorkspaceID; bearer callers have a UserID and a WorkspaceID only when the
// token carries a wid claim.
type Principal struct {
	Method      Method
	WorkspaceID string
	UserID      string
	KeyID       string
}

// HashAPIKey returns the stored form of an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// Authenticator verifies API keys and bearer tokens.
type Authenticator struct {
	jwt     *JWTService
	keys    storage.APIKeyStore
	members storage.MembershipStore
	logger  *slog.Logger
}

// NewAuthenticator creates an Authenticator. jwt may be nil to disable bearer
// tokens.
func NewAuthenticator(jwt *JWTService, keys storage.APIKeyStore, members storage.MembershipStore, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{jwt: jwt, keys: keys, members: members, logger: logger.With("component", "auth")}
}

// Authenticate resolves the request headers to a principal. A bearer token
// wins over an API key when both are present. Failures are AuthError.
func (a *Authenticator) Authenticate(ctx context.Context, h http.Header) (*Principal, error) {
	if token := ExtractBearer(h); token != "" {
		return a.authenticateBearer(token)
	}
	if key := ExtractAPIKey(h); key != "" {
		return a.authenticateAPIKey(ctx, key)
	}
	return nil, apperr.Auth("missing credentials")
}

func (a *Authenticator) authenticateBearer(token string) (*Principal, error) {
	claims, err := a.jwt.Validate(token)
	if err != nil {
		a.logger.Warn("jwt validation failed", "error", err)
		return nil, apperr.Wrap(apperr.KindAuth, err, "invalid token")
	}
	return &Principal{Method: MethodBearer, UserID: claims.Subject, WorkspaceID: claims.WorkspaceID}, nil
}

func (a *Authenticator) authenticateAPIKey(ctx context.Context, key string) (*Principal, error) {
	if a.keys == nil {
		return nil, apperr.Wrap(apperr.KindAuth, ErrAuthDisabled, "invalid api key")
	}
	stored, err := a.keys.LookupAPIKey(ctx, HashAPIKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		a.logger.Warn("api key validation failed", "error", ErrInvalidKey)
		return nil, apperr.Wrap(apperr.KindAuth, ErrInvalidKey, "invalid api key")
	}
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	if stored.RevokedAt != nil {
		return nil, apperr.Auth("api key revoked")
	}
	return &Principal{Method: MethodAPIKey, WorkspaceID: stored.WorkspaceID, KeyID: stored.ID}, nil
}

// Authorize checks that p may act on resources owned by workspaceID. Failures
// are AccessDenied.
func (a *Authenticator) Authorize(ctx context.Context, p *Principal, workspaceID string) error {
	if p == nil {
		return apperr.Auth("missing credentials")
	}
	if p.WorkspaceID != "" {
		if p.WorkspaceID != workspaceID {
			return apperr.AccessDenied("resource belongs to another workspace")
		}
		return nil
	}
	if p.UserID == "" || a.members == nil {
		return apperr.AccessDenied("resource belongs to another workspace")
	}
	ok, err := a.members.IsMember(ctx, workspaceID, p.UserID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		return apperr.AccessDenied("not a member of this workspace")
	}
	return nil
}

// ExtractBearer returns the token of an "Authorization: Bearer" header.
func ExtractBearer(h http.Header) string {
	for _, value := range h.Values("Authorization") {
		lower := strings.ToLower(value)
		if strings.HasPrefix(lower, "bearer ") {
			return strings.TrimSpace(value[len("bearer "):])
		}
	}
	return ""
}

// ExtractAPIKey returns the x-api-key header.
func ExtractAPIKey(h http.Header) string {
	for _, key := range []string{"X-Api-Key", "Api-Key"} {
		if v := strings.TrimSpace(h.Get(key)); v != "" {
			return v
		}
	}
	return ""
}
