package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/retailops/walletledger/internal/ledger"
)

const (
	performedByHeader   = "X-Performed-By"
	roleHeader          = "X-Role"
	operationContextKey = "operation_context"
)

// ActorClaims are the access token claims the ledger trusts. The subject
// becomes the PerformedBy stamp on every transaction.
type ActorClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Actor resolves who is performing the request and stores an
// ledger.OperationContext in the request locals.
//
// With a secret configured the caller must present an HS256 bearer token.
// Without one the service sits behind a gateway and trusts the
// X-Performed-By and X-Role headers it sets.
func Actor(secret string) fiber.Handler {
	key := []byte(secret)
	return func(c *fiber.Ctx) error {
		var performedBy, role string
		if len(key) > 0 {
			claims, err := verifyBearer(c.Get(fiber.HeaderAuthorization), key)
			if err != nil {
				return fiber.NewError(http.StatusUnauthorized, err.Error())
			}
			performedBy, role = claims.Subject, claims.Role
		} else {
			performedBy = strings.TrimSpace(c.Get(performedByHeader))
			role = strings.TrimSpace(c.Get(roleHeader))
		}
		if performedBy == "" {
			return fiber.NewError(http.StatusUnauthorized, "unknown actor")
		}

		requestID, _ := c.Locals(requestIDHeader).(string)
		c.Locals(operationContextKey, ledger.OperationContext{
			PerformedBy:    performedBy,
			Role:           role,
			IPAddress:      c.IP(),
			UserAgent:      c.Get(fiber.HeaderUserAgent),
			RequestID:      requestID,
			IdempotencyKey: strings.TrimSpace(c.Get(idempotencyKeyHeader)),
		})
		return c.Next()
	}
}

// OperationContextFrom returns the context stored by Actor. Routes mounted
// without Actor get an anonymous context that still carries the request
// metadata.
func OperationContextFrom(c *fiber.Ctx) ledger.OperationContext {
	if oc, ok := c.Locals(operationContextKey).(ledger.OperationContext); ok {
		return oc
	}
	requestID, _ := c.Locals(requestIDHeader).(string)
	return ledger.OperationContext{
		IPAddress:      c.IP(),
		UserAgent:      c.Get(fiber.HeaderUserAgent),
		RequestID:      requestID,
		IdempotencyKey: strings.TrimSpace(c.Get(idempotencyKeyHeader)),
	}
}

// SignActorToken issues an HS256 token for subject. Used by operators and
// tests; production tokens normally come from the identity provider.
func SignActorToken(secret, subject, role string) (string, error) {
	claims := ActorClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
		Role:             role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func verifyBearer(header string, key []byte) (*ActorClaims, error) {
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return nil, errors.New("missing bearer token")
	}
	tokenStr := strings.TrimSpace(header[len("Bearer "):])

	claims := &ActorClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
