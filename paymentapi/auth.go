package paymentapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"gitlab.com/arcanecrypto/paykit/internal/apierr"
)

// pluginClaims is the claim set a plugin's webhook intake token carries.
// PluginName identifies which loaded plugin the bearer is allowed to
// report notifications for.
type pluginClaims struct {
	PluginName string `json:"pluginName"`
	jwt.RegisteredClaims
}

// SignPluginToken signs a webhook intake token for the named plugin with
// secret. A plugin that reports over HTTP instead of calling its
// NotificationCallback in-process presents this token on every
// /plugin-events request.
func SignPluginToken(secret []byte, pluginName string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, pluginClaims{
		PluginName:       pluginName,
		RegisteredClaims: jwt.RegisteredClaims{},
	})
	return token.SignedString(secret)
}

var errMalformedAuthHeader = errors.New("malformed Authorization header")

func parseBearerToken(header string, secret []byte) (*pluginClaims, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, errMalformedAuthHeader
	}
	tokenString := strings.TrimPrefix(header, "Bearer ")

	claims := &pluginClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}

// pluginAuthMiddleware authenticates the bearer of a webhook intake
// request against secret, rejecting the request before it reaches the
// handler if the token is missing, malformed, or doesn't verify. It
// leaves every other route untouched -- only the plugin-facing webhook
// intake needs a shared secret, since the rest of the API is expected to
// sit behind whatever the host application's own authentication layer
// is.
func pluginAuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(secret) == 0 {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if header == "" {
			apierr.Public(c, http.StatusUnauthorized, apierr.ErrMissingAuthHeader)
			c.Abort()
			return
		}

		claims, err := parseBearerToken(header, secret)
		if err != nil {
			log.WithError(err).Debug("rejected plugin-events request")
			apierr.Public(c, http.StatusUnauthorized, apierr.ErrInvalidAuthHeader)
			c.Abort()
			return
		}

		c.Set("pluginName", claims.PluginName)
		c.Next()
	}
}
