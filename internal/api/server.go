package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/qabridge/backend/internal/api/handlers"
	"github.com/qabridge/backend/internal/metrics"
	"github.com/qabridge/backend/internal/middleware/ratelimit"
	"github.com/qabridge/backend/internal/middleware/security"
	"github.com/qabridge/backend/internal/middleware/validation"
	"github.com/qabridge/backend/pkg/config"
)

// Handlers groups the route handlers. Any of them may be nil, in which case
// its routes are not mounted.
type Handlers struct {
	Questions *handlers.QuestionHandler
	WebSocket *handlers.WebSocketHandler
	Admin     *handlers.AdminHandler
	Models    *handlers.ModelHandler
}

type Server struct {
	App     *fiber.App
	limiter *ratelimit.RateLimiter
}

func NewServer(cfg config.ServerConfig, h Handlers, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		BodyLimit:    cfg.BodyLimit,
		ErrorHandler: handlers.ErrorHandler,
	})

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	app.Use(recover.New())
	if cfg.Development {
		app.Use(fiberlogger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(origins, ", "),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: origins,
		IsDevelopment:  cfg.Development,
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})
	app.Get("/metrics", metrics.MetricsHandler())

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimitPerMinute,
		Logger:               logger,
	})

	v1 := app.Group("/api/v1")
	v1.Use(validation.Middleware(validation.Config{
		MaxQuestionLength: cfg.MaxQuestionLength,
		MaxAnswerLength:   cfg.MaxAnswerLength,
		Logger:            logger,
	}))

	if h.Questions != nil {
		v1.Post("/questions", limiter.Middleware(), h.Questions.Ask)
		v1.Get("/questions/:requestId", h.Questions.Reply)
	}

	if h.WebSocket != nil {
		app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		app.Get("/ws", websocket.New(h.WebSocket.HandleConnection))
	}

	if h.Admin != nil {
		admin := v1.Group("/admin")
		admin.Get("/interactions", h.Admin.ListInteractions)
		admin.Get("/interactions/:id", h.Admin.GetInteraction)
		admin.Put("/interactions/:id/answer", h.Admin.EditAnswer)
		admin.Post("/interactions/:id/review", h.Admin.Review)
		admin.Post("/interactions/:id/approve", h.Admin.Approve)
		admin.Post("/interactions/:id/feedback", h.Admin.SetFeedback)
		admin.Delete("/interactions/:id", h.Admin.DeleteInteraction)

		admin.Get("/training-examples", h.Admin.ListTrainingExamples)
		admin.Delete("/training-examples/:id", h.Admin.DeleteTrainingExample)
		admin.Post("/export", h.Admin.Export)

		admin.Get("/stats", h.Admin.Stats)
		admin.Get("/duplicates", h.Admin.Duplicates)
		admin.Post("/duplicates/repair", h.Admin.RepairDuplicates)
	}

	if h.Models != nil {
		m := v1.Group("/models")
		m.Get("/", h.Models.List)
		m.Get("/current", h.Models.Current)
		m.Post("/next", h.Models.Next)
		m.Post("/rollback", h.Models.Rollback)
		m.Post("/:version/activate", h.Models.Activate)
	}

	return &Server{App: app, limiter: limiter}
}

func (s *Server) Listen(addr string) error {
	return s.App.Listen(addr)
}

func (s *Server) Shutdown() error {
	s.limiter.Stop()
	return s.App.Shutdown()
}
