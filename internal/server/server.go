package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	alertdomain "github.com/smallbiznis/adops/internal/alert/domain"
	"github.com/smallbiznis/adops/internal/billingwebhook"
	"github.com/smallbiznis/adops/internal/config"
	"github.com/smallbiznis/adops/internal/livefeed"
	"github.com/smallbiznis/adops/internal/observability"
	obsmiddleware "github.com/smallbiznis/adops/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/adops/internal/observability/metrics"
	obstracing "github.com/smallbiznis/adops/internal/observability/tracing"
	"github.com/smallbiznis/adops/internal/ratelimit"
	"github.com/smallbiznis/adops/internal/scheduler"
	subscriptiondomain "github.com/smallbiznis/adops/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, metrics *obsmetrics.Metrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(metrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type ginParams struct {
	fx.In

	ObsCfg  observability.Config
	Metrics *obsmetrics.Metrics `optional:"true"`
}

func registerGin(p ginParams) *gin.Engine {
	return NewEngine(p.ObsCfg, p.Metrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// sweeper runs one subscription sweep on demand.
type sweeper interface {
	RunOnce(ctx context.Context) (scheduler.SweepResult, error)
}

type webhookIngestor interface {
	Ingest(ctx context.Context, payload []byte, signature string) (billingwebhook.Result, error)
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	subscriptionSvc subscriptiondomain.Service
	alertSvc        alertdomain.Service
	liveAlerts      *livefeed.Hub
	webhooks        webhookIngestor
	sweeper         sweeper
	evalLimiter     *ratelimit.EvaluateLimiter
	obsMetrics      *obsmetrics.Metrics
	heartbeat       time.Duration
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	SubscriptionSvc subscriptiondomain.Service
	AlertSvc        alertdomain.Service
	LiveAlerts      *livefeed.Hub              `optional:"true"`
	Webhooks        *billingwebhook.Service    `optional:"true"`
	Scheduler       *scheduler.Scheduler       `optional:"true"`
	EvalLimiter     *ratelimit.EvaluateLimiter `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics        `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		subscriptionSvc: p.SubscriptionSvc,
		alertSvc:        p.AlertSvc,
		liveAlerts:      p.LiveAlerts,
		evalLimiter:     p.EvalLimiter,
		obsMetrics:      p.ObsMetrics,
		heartbeat:       defaultHeartbeatInterval,
	}
	if p.Webhooks != nil {
		svc.webhooks = p.Webhooks
	}
	if p.Scheduler != nil {
		svc.sweeper = p.Scheduler
	}

	svc.registerRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.registerWebhookRoutes()
	s.registerJobRoutes()
	s.registerAPIRoutes()
}

func (s *Server) registerWebhookRoutes() {
	webhooks := s.engine.Group("/webhooks")
	webhooks.POST("/stripe", s.HandleStripeWebhook)
}

func (s *Server) registerJobRoutes() {
	jobs := s.engine.Group("/internal/jobs", s.JobTokenRequired())
	jobs.POST("/subscription-sweep", s.RunSubscriptionSweep)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Subscription --------
	api.GET("/subscription", s.UserAuthRequired(), s.GetSubscription)
	api.GET("/subscription/history", s.UserAuthRequired(), s.ListSubscriptionHistory)

	// -------- Alerts --------
	api.GET("/alerts", s.UserAuthRequired(), s.ListAlerts)
	api.POST("/alerts", s.UserAuthRequired(), s.WritableRequired(), s.CreateAlert)
	api.PATCH("/alerts/:id", s.UserAuthRequired(), s.WritableRequired(), s.UpdateAlert)
	api.DELETE("/alerts/:id", s.UserAuthRequired(), s.WritableRequired(), s.DeleteAlert)
	api.GET("/alerts/stream", s.StreamAuthRequired(), s.StreamAlerts)

	api.POST("/campaigns/:campaign_id/alerts/evaluate", s.UserAuthRequired(), s.EvaluateRateLimit(), s.EvaluateCampaignAlerts)
}
