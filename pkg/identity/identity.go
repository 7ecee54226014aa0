// Package identity resolves the signed-in user from the platform's OAuth
// token. Verdict and classroom calls carry the resolved email; losing the
// identity forces the policy engine into fallback until a fresh token
// arrives.
package identity

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/schoolnet-labs/warden/pkg/clock"
)

// IdentityType tags how the user was authenticated. Managed devices only
// ever see platform accounts today.
const IdentityType = "google"

// Claims is the subset of the platform ID token the agent consumes. The
// token arrives from the device session layer which has already verified
// it, so only expiry is re-checked here.
type Claims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	HostedDomain  string `json:"hd,omitempty"`
}

// Resolver holds the current user identity and refreshes it from raw ID
// tokens.
type Resolver struct {
	mu     sync.RWMutex
	clock  clock.Clock
	logger *slog.Logger
	parser *jwt.Parser

	email  string
	domain string
}

func NewResolver(c clock.Clock) *Resolver {
	return &Resolver{
		clock:  c,
		logger: slog.Default().With("component", "identity"),
		parser: jwt.NewParser(jwt.WithoutClaimsValidation()),
	}
}

// Update resolves the identity from a raw ID token. An empty, malformed, or
// expired token clears the identity. Returns whether a user is now known.
func (r *Resolver) Update(rawToken string) bool {
	email, domain := r.resolve(rawToken)

	r.mu.Lock()
	r.email = email
	r.domain = domain
	r.mu.Unlock()

	if email == "" {
		r.logger.Warn("no user identity resolved")
		return false
	}
	r.logger.Info("user identity resolved", "domain", domain)
	return true
}

func (r *Resolver) resolve(rawToken string) (email, domain string) {
	if rawToken == "" {
		return "", ""
	}

	var claims Claims
	// The token was verified upstream by the device session layer; the
	// signature is not re-checked here.
	if _, _, err := r.parser.ParseUnverified(rawToken, &claims); err != nil {
		r.logger.Warn("unparseable identity token", "error", err)
		return "", ""
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(r.clock.Now()) {
		r.logger.Warn("identity token expired", "expired_at", claims.ExpiresAt.Time)
		return "", ""
	}
	if claims.Email == "" {
		return "", ""
	}

	domain = claims.HostedDomain
	if domain == "" {
		if _, after, found := strings.Cut(claims.Email, "@"); found {
			domain = after
		}
	}
	return claims.Email, domain
}

// Clear drops the current identity, e.g. on sign-out.
func (r *Resolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.email = ""
	r.domain = ""
}

// Email returns the resolved user email, or "" when no user is known.
func (r *Resolver) Email() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.email
}

// Domain returns the hosted domain of the resolved user.
func (r *Resolver) Domain() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.domain
}

// UserFound reports whether an identity is currently resolved.
func (r *Resolver) UserFound() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.email != ""
}
