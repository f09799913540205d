// Package auth performs local sanity checks on the opaque session credential.
//
// Signatures are not verified here; the messaging endpoint does that during
// the handshake. The checks only catch credentials that cannot possibly
// succeed, so a doomed handshake is never attempted.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/classchat/internal/domain"
)

// Identity is what the credential says about the local user.
// Opaque (non-JWT) credentials yield a zero Identity.
type Identity struct {
	UserID      domain.UserID
	DisplayName string
	ExpiresAt   time.Time
}

type claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

var parser = jwt.NewParser(jwt.WithoutClaimsValidation())

// Check fails with domain.ErrAuth when the credential is absent, is a
// malformed JWT, or is a JWT that expired before now.
func Check(credential string, now time.Time) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: credential is empty", domain.ErrAuth)
	}
	if !looksLikeJWT(credential) {
		return Identity{}, nil
	}

	var c claims
	if _, _, err := parser.ParseUnverified(credential, &c); err != nil {
		return Identity{}, fmt.Errorf("%w: malformed token: %v", domain.ErrAuth, err)
	}

	id := Identity{UserID: domain.UserID(c.Subject), DisplayName: c.Name}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time
		if !now.Before(id.ExpiresAt) {
			return Identity{}, fmt.Errorf("%w: token expired at %s", domain.ErrAuth, id.ExpiresAt.Format(time.RFC3339))
		}
	}
	return id, nil
}

func looksLikeJWT(s string) bool {
	return strings.Count(s, ".") == 2
}
