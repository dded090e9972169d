// Package paymentapi is a thin Gin facade over paymentmanager.Manager for
// operational use: every handler here does nothing but bind a request,
// call the Manager, and translate its result to a StandardResponse. All
// orchestration logic lives in paymentmanager; this package owns none of
// it.
package paymentapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/paykit/build/paylog"
	"gitlab.com/arcanecrypto/paykit/internal/apierr"
	"gitlab.com/arcanecrypto/paykit/internal/paymentmanager"
)

// Config configures the HTTP server wrapping a Manager.
type Config struct {
	// LogLevel is the level request logging is emitted at.
	LogLevel logrus.Level
	// AllowOrigins is the set of origins the CORS middleware accepts.
	// A host application with no browser-facing client can leave this
	// empty, in which case CORS is not applied.
	AllowOrigins []string
	// PluginWebhookSecret signs and verifies the bearer token a plugin
	// reporting over HTTP must present to POST /plugin-events. Left
	// empty, the route accepts unauthenticated requests -- fine for a
	// plugin that only ever runs in-process, not for one reachable over
	// the network.
	PluginWebhookSecret []byte
}

// Server is the REST server wrapping a paymentmanager.Manager.
type Server struct {
	Router  *gin.Engine
	manager *paymentmanager.Manager
	config  Config
}

func getGinEngine(config Config) *gin.Engine {
	engine := gin.New()

	log.Debug("applying gin.Recovery middleware")
	engine.Use(gin.Recovery())

	log.Debug("applying gin logging middleware")
	engine.Use(paylog.GinLoggingMiddleware(log))

	if len(config.AllowOrigins) > 0 {
		log.Debug("applying CORS middleware")
		engine.Use(cors.New(cors.Config{
			AllowOrigins: config.AllowOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost},
			AllowHeaders: []string{"Content-Type", "Authorization"},
		}))
	}

	log.Debug("applying error handler middleware")
	engine.Use(apierr.GetMiddleware(log.Logger))

	return engine
}

// NewServer builds a Server wrapping manager, ready to ListenAndServe once
// its Router is handed to an http.Server.
func NewServer(manager *paymentmanager.Manager, config Config) *Server {
	s := &Server{
		Router:  getGinEngine(config),
		manager: manager,
		config:  config,
	}

	s.Router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	s.Router.NoRoute(func(c *gin.Context) {
		apierr.Public(c, http.StatusNotFound, apierr.ErrRouteNotFound)
	})

	s.registerPaymentOrderRoutes()
	s.registerReceiveRoutes()
	s.registerCallbackRoutes()

	return s
}
