// Package auth resolves bearer tokens into actors. Tokens are HS256 JWTs
// signed with a shared secret; an empty secret switches the verifier into
// development mode, where every request runs as a synthetic actor holding
// every capability and role.
package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

// Claims are the JWT claims keel reads. Subject is the actor id and is
// required; everything else defaults.
type Claims struct {
	jwt.RegisteredClaims
	DisplayName  string   `json:"name,omitempty"`
	ActorType    string   `json:"actor_type,omitempty"`
	LegalEntity  string   `json:"legal_entity,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Roles        []string `json:"roles,omitempty"`
}

// Verifier validates bearer tokens against the shared signing secret.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a Verifier. An empty secret disables verification:
// development mode.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// DevMode reports whether token verification is disabled.
func (v *Verifier) DevMode() bool { return len(v.secret) == 0 }

// DevActor is the principal requests run as in development mode.
func DevActor() contracts.Actor {
	return contracts.Actor{
		ActorID:      "dev",
		ActorType:    contracts.ActorTypeHuman,
		DisplayName:  "Development Actor",
		Capabilities: []string{"*"},
		Roles:        []string{"*"},
	}
}

// Verify resolves a token into an actor. Only HS256 is accepted; any parse,
// signature or expiry failure comes back as an AuthenticationError.
func (v *Verifier) Verify(tokenStr string) (contracts.Actor, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return contracts.Actor{}, &apperr.AuthenticationError{Message: "invalid or expired token"}
	}
	if !token.Valid {
		return contracts.Actor{}, &apperr.AuthenticationError{Message: "invalid token"}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return contracts.Actor{}, &apperr.AuthenticationError{Message: "token subject is required"}
	}

	actorType := contracts.ActorType(claims.ActorType)
	if actorType == "" {
		actorType = contracts.ActorTypeHuman
	}
	return contracts.Actor{
		ActorID:      claims.Subject,
		ActorType:    actorType,
		DisplayName:  claims.DisplayName,
		LegalEntity:  claims.LegalEntity,
		Capabilities: claims.Capabilities,
		Roles:        claims.Roles,
	}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
