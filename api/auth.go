/*
auth.go - Caller identity

PURPOSE:
  Every ledger mutation records WHO performed it. This middleware turns
  the request credentials into a savings.Actor and stores it on the
  request context.

MODES:
  JWT secret configured:  Authorization: Bearer <HS256 token>, actor = sub
  No secret (dev):        X-Actor-ID header, taken as-is

  A presented but invalid token is rejected with 401 right away. A
  request without credentials passes through anonymously; routes that
  mutate state are wrapped with requireActor, which answers 401.

SEE ALSO:
  - server.go: Middleware order
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/savings-ledger/savings"
)

const ActorHeader = "X-Actor-ID"

type actorKey struct{}

// Identity resolves the caller of each request.
type Identity struct {
	secret []byte
}

// NewIdentity returns an Identity. An empty secret selects header mode.
func NewIdentity(secret string) *Identity {
	return &Identity{secret: []byte(secret)}
}

// Middleware attaches the caller's actor to the request context.
func (id *Identity) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := id.resolve(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid credentials", err)
			return
		}
		if actor != "" {
			r = r.WithContext(context.WithValue(r.Context(), actorKey{}, actor))
		}
		next.ServeHTTP(w, r)
	})
}

func (id *Identity) resolve(r *http.Request) (savings.Actor, error) {
	if len(id.secret) == 0 {
		return savings.Actor(strings.TrimSpace(r.Header.Get(ActorHeader))), nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return "", nil
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", errors.New("authorization header is not a bearer token")
	}

	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return id.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return savings.Actor(claims.Subject), nil
}

// SignToken issues an HS256 token for subject. Used by tooling and tests.
func (id *Identity) SignToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString(id.secret)
}

// requireActor rejects anonymous requests.
func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actorFrom(r.Context()) == "" {
			writeError(w, http.StatusUnauthorized, "Caller identity required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorFrom(ctx context.Context) savings.Actor {
	actor, _ := ctx.Value(actorKey{}).(savings.Actor)
	return actor
}
