package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jengzang/mobility-features-go/internal/config"
	"github.com/jengzang/mobility-features-go/internal/handler"
	"github.com/jengzang/mobility-features-go/internal/middleware"
	"github.com/jengzang/mobility-features-go/internal/service"
)

// Dependencies are the collaborators the router wires into handlers
type Dependencies struct {
	Config   *config.Config
	Features *service.FeatureService
	Logger   *zap.SugaredLogger
	Gatherer prometheus.Gatherer // nil serves the default registry
}

// SetupRouter 设置路由
func SetupRouter(deps Dependencies) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(deps.Logger))

	// CORS 中间件
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Mobility features API is running",
		})
	})

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	runHandler := handler.NewRunHandler(deps.Features)
	featureHandler := handler.NewFeatureHandler(deps.Features)

	// API 路由组
	api := r.Group("/api/v1")
	api.Use(middleware.RateLimit(deps.Config.Server.RateLimit, deps.Config.Server.RateBurst))
	api.Use(middleware.Auth(deps.Config.Server.JWTSecret))
	{
		runs := api.Group("/runs")
		{
			runs.GET("", runHandler.ListRuns)
			runs.GET("/:id", runHandler.GetRun)
			runs.GET("/:id/features", featureHandler.ListFeatures)
			runs.GET("/:id/features/:hex_id", featureHandler.GetFeature)
		}
	}

	return r
}
