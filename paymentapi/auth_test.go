package paymentapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func setupAuthRouter(secret []byte) *gin.Engine {
	r := gin.New()
	r.Use(pluginAuthMiddleware(secret))
	r.GET("/ping", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func doPing(router *gin.Engine, header string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if header != "" {
		req.Header.Add("Authorization", header)
	}
	router.ServeHTTP(w, req)
	return w.Code
}

func TestPluginAuthMiddleware(t *testing.T) {
	secret := []byte("shh-its-a-secret")
	router := setupAuthRouter(secret)

	t.Run("authenticates with a correctly signed token", func(t *testing.T) {
		token, err := SignPluginToken(secret, "onchain")
		if err != nil {
			t.Fatalf("SignPluginToken failed: %v", err)
		}

		code := doPing(router, "Bearer "+token)
		if code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}
	})

	t.Run("rejects a missing Authorization header", func(t *testing.T) {
		code := doPing(router, "")
		if code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", code)
		}
	})

	t.Run("rejects a malformed Authorization header", func(t *testing.T) {
		code := doPing(router, "not-a-bearer-token")
		if code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", code)
		}
	})

	t.Run("rejects a token signed with the wrong secret", func(t *testing.T) {
		token, err := SignPluginToken([]byte("wrong-secret"), "onchain")
		if err != nil {
			t.Fatalf("SignPluginToken failed: %v", err)
		}

		code := doPing(router, "Bearer "+token)
		if code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", code)
		}
	})

	t.Run("rejects an expired token", func(t *testing.T) {
		claims := pluginClaims{
			PluginName: "onchain",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
		signed, err := token.SignedString(secret)
		if err != nil {
			t.Fatalf("signing failed: %v", err)
		}

		code := doPing(router, "Bearer "+signed)
		if code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", code)
		}
	})

	t.Run("empty secret disables authentication", func(t *testing.T) {
		open := setupAuthRouter(nil)
		code := doPing(open, "")
		if code != http.StatusOK {
			t.Fatalf("expected 200, got %d", code)
		}
	})
}
