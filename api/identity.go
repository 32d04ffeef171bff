package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/remittance-engine/remittance"
)

// Gateway headers carrying an identity already verified upstream.
const (
	HeaderActorID   = "X-Actor-Id"
	HeaderOrgID     = "X-Org-Id"
	HeaderActorRole = "X-Actor-Role"
)

// Claims is the HMAC bearer token payload. Subject is the actor id.
type Claims struct {
	OrgID string `json:"org_id"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

type contextKeyActor struct{}

// ActorFromContext returns the identity attached by Identity, or the zero
// Actor (which the engine rejects as unauthenticated).
func ActorFromContext(ctx context.Context) remittance.Actor {
	actor, _ := ctx.Value(contextKeyActor{}).(remittance.Actor)
	return actor
}

// Identity attaches the caller to the request context. With a secret, a
// valid "Authorization: Bearer" HS256 token is required and a bad token is
// rejected with 401. Without a secret the gateway headers are trusted.
func Identity(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var actor remittance.Actor
			if len(secret) == 0 {
				actor = remittance.Actor{
					ID:    r.Header.Get(HeaderActorID),
					OrgID: r.Header.Get(HeaderOrgID),
					Role:  remittance.Role(r.Header.Get(HeaderActorRole)),
				}
			} else if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				var err error
				actor, err = parseToken(secret, token)
				if err != nil {
					writeError(w, http.StatusUnauthorized, "Invalid or expired token", "unauthenticated", err)
					return
				}
			}

			ctx := context.WithValue(r.Context(), contextKeyActor{}, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func parseToken(secret []byte, token string) (remittance.Actor, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return remittance.Actor{}, fmt.Errorf("token expired: %w", err)
		}
		return remittance.Actor{}, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return remittance.Actor{}, errors.New("token has no subject")
	}
	return remittance.Actor{ID: claims.Subject, OrgID: claims.OrgID, Role: remittance.Role(claims.Role)}, nil
}

// IssueToken signs an HS256 token for actor, valid for ttl.
func IssueToken(secret []byte, actor remittance.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		OrgID: actor.OrgID,
		Role:  string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(secret)
}
