package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	aggregatordomain "github.com/one-covenant/basilica-billing/internal/aggregator/domain"
	"github.com/one-covenant/basilica-billing/internal/config"
	depositdomain "github.com/one-covenant/basilica-billing/internal/deposit/domain"
	ledgerdomain "github.com/one-covenant/basilica-billing/internal/ledger/domain"
	"github.com/one-covenant/basilica-billing/internal/observability"
	obsmiddleware "github.com/one-covenant/basilica-billing/internal/observability/logger"
	obsmetrics "github.com/one-covenant/basilica-billing/internal/observability/metrics"
	obstracing "github.com/one-covenant/basilica-billing/internal/observability/tracing"
	pricedomain "github.com/one-covenant/basilica-billing/internal/price/domain"
	priceservice "github.com/one-covenant/basilica-billing/internal/price/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(func(c *priceservice.Converter) QuoteSource { return c }),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// QuoteSource exposes the cached price quote.
type QuoteSource interface {
	Quote() (pricedomain.Quote, bool)
}

func NewEngine(debug bool, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           debug,
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg.Debug(), httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("ops http listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("ops http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine   *gin.Engine
	log      *zap.Logger
	ledger   ledgerdomain.Service
	batches  aggregatordomain.Service
	quotes   QuoteSource
	deposits depositdomain.Service
}

type ServerParams struct {
	fx.In

	Gin      *gin.Engine
	Log      *zap.Logger
	Ledger   ledgerdomain.Service
	Batches  aggregatordomain.Service
	Quotes   QuoteSource           `optional:"true"`
	Deposits depositdomain.Service `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:   p.Gin,
		log:      p.Log.Named("server"),
		ledger:   p.Ledger,
		batches:  p.Batches,
		quotes:   p.Quotes,
		deposits: p.Deposits,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) RegisterRoutes() {
	ops := s.engine.Group("/ops")
	ops.GET("/batches/parked", s.ListParkedBatches)
	ops.POST("/batches/:id/requeue", s.RequeueBatch)
	ops.GET("/price", s.GetPrice)
	ops.GET("/balances/:user_id", s.GetBalance)

	if s.deposits != nil {
		ops.POST("/deposit-accounts", s.CreateDepositAccount)
		ops.GET("/deposit-accounts/:user_id", s.GetDepositAccount)
		ops.GET("/deposits/:user_id", s.ListDeposits)
	}
}
