package middleware

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/retailops/walletledger/internal/ledger"
)

func actorApp(secret string) *fiber.App {
	app := fiber.New()
	app.Use(RequestID())
	app.Use(Actor(secret))
	app.Get("/whoami", func(c *fiber.Ctx) error {
		return c.JSON(OperationContextFrom(c))
	})
	return app
}

func whoami(t *testing.T, app *fiber.App, headers map[string]string) (int, ledger.OperationContext) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodGet, "/whoami", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	var oc ledger.OperationContext
	if resp.StatusCode == fiber.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&oc); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode, oc
}

func TestActorVerifiesBearerToken(t *testing.T) {
	app := actorApp("s3cret")
	token, err := SignActorToken("s3cret", "agent:42", "support")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	status, oc := whoami(t, app, map[string]string{
		fiber.HeaderAuthorization: "Bearer " + token,
		requestIDHeader:           "req-1",
		idempotencyKeyHeader:      "k-1",
	})
	if status != fiber.StatusOK {
		t.Fatalf("expected 200 got %d", status)
	}
	if oc.PerformedBy != "agent:42" || oc.Role != "support" {
		t.Fatalf("unexpected actor %+v", oc)
	}
	if oc.RequestID != "req-1" || oc.IdempotencyKey != "k-1" {
		t.Fatalf("request metadata not propagated: %+v", oc)
	}
}

func TestActorRejectsBadTokens(t *testing.T) {
	app := actorApp("s3cret")
	forged, err := SignActorToken("other", "agent:42", "support")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cases := map[string]map[string]string{
		"missing":      {},
		"not bearer":   {fiber.HeaderAuthorization: "Basic abc"},
		"wrong secret": {fiber.HeaderAuthorization: "Bearer " + forged},
		"garbage":      {fiber.HeaderAuthorization: "Bearer not.a.jwt"},
		"header only":  {performedByHeader: "agent:42"},
	}
	for name, headers := range cases {
		t.Run(name, func(t *testing.T) {
			if status, _ := whoami(t, app, headers); status != fiber.StatusUnauthorized {
				t.Fatalf("expected 401 got %d", status)
			}
		})
	}
}

func TestActorTrustsGatewayHeadersWithoutSecret(t *testing.T) {
	app := actorApp("")

	status, oc := whoami(t, app, map[string]string{performedByHeader: "ops:7", roleHeader: "admin"})
	if status != fiber.StatusOK {
		t.Fatalf("expected 200 got %d", status)
	}
	if oc.PerformedBy != "ops:7" || oc.Role != "admin" {
		t.Fatalf("unexpected actor %+v", oc)
	}
	if oc.RequestID == "" {
		t.Fatalf("expected generated request id")
	}

	if status, _ := whoami(t, app, nil); status != fiber.StatusUnauthorized {
		t.Fatalf("expected 401 without actor header, got %d", status)
	}
}
