package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/lucidia/internal/api/handler"
	"github.com/timmy/lucidia/internal/api/middleware"
	"github.com/timmy/lucidia/internal/logger"
	"github.com/timmy/lucidia/internal/metrics"
	"github.com/timmy/lucidia/internal/repository"
	"github.com/timmy/lucidia/internal/service"
)

// RouterConfig holds everything the HTTP surface depends on.
type RouterConfig struct {
	Mode      string
	Logger    *logger.Logger
	CORS      middleware.CORSConfig
	Metrics   *metrics.Collector
	Store     repository.JobStore
	Runner    handler.JobSubmitter
	Status    *service.StatusService
	Layout    service.Layout
	Dirs      handler.FileDirs
	PublicURL string
	Providers []string
	ModelOn   bool
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(cfg *RouterConfig) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(cfg.Logger))
	r.Use(middleware.Metrics(cfg.Metrics))
	r.Use(middleware.CORS(cfg.CORS))

	healthHandler := handler.NewHealthHandler(cfg.Providers, cfg.ModelOn)
	generateHandler := handler.NewGenerateHandler(&handler.GenerateHandlerConfig{
		Store:     cfg.Store,
		Runner:    cfg.Runner,
		Layout:    cfg.Layout,
		PublicURL: cfg.PublicURL,
		Metrics:   cfg.Metrics,
	})
	fileHandler := handler.NewFileHandler(cfg.Dirs)
	jobHandler := handler.NewJobHandler(cfg.Status)

	r.GET("/health", healthHandler.Health)
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	// Generation
	r.POST("/generate-image", generateHandler.Generate)
	r.GET("/jobs/:id", jobHandler.GetJob)

	// Artifacts and status documents
	r.GET("/files/*name", fileHandler.Files)
	r.GET("/metadata/:name", fileHandler.Metadata)
	r.GET("/plys/:name", fileHandler.PLY)
	r.GET("/images/:name", fileHandler.Image)
	r.GET("/storage/:name", fileHandler.Storage)

	return r
}
