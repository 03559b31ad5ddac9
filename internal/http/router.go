package httpserver

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/iago/aischool-back/internal/http/handlers"
	"github.com/iago/aischool-back/internal/http/middleware"
	"go.uber.org/zap"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *zap.SugaredLogger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
	Debug          bool
}

// NewRouter builds the gin engine with the request pipeline in front of the
// job API: request id, access log, recovery, CORS, rate limit and auth.
// ctx bounds the rate limiter's background cleanup.
func NewRouter(ctx context.Context, deps RouterDependencies) http.Handler {
	if deps.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	engine.Use(
		middleware.RequestID(),
		middleware.Trace(deps.Logger),
		gin.Recovery(),
		middleware.CORS(deps.CORSOrigins),
		middleware.RateLimit(ctx, deps.RateLimitRPS, deps.RateLimitBurst),
		middleware.Auth(deps.AuthToken),
	)
	deps.API.RegisterRoutes(engine)
	return engine
}
