package metricspush

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/one-covenant/basilica-billing/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	ExporterPrometheusRemoteWrite = "prometheus_remote_write"
	ExporterPrometheusPushgateway = "prometheus_pushgateway"
	ExporterOTLP                  = "otlp"
	defaultPushTimeout            = 5 * time.Second
)

// Pusher sends one snapshot of a registry to an external metrics backend.
type Pusher interface {
	Push(ctx context.Context, registry *prometheus.Registry) error
}

type target struct {
	endpoint  string
	authToken string
	cfg       config.Config
}

var exporters = map[string]func(target) (Pusher, error){
	ExporterPrometheusRemoteWrite: func(t target) (Pusher, error) {
		if _, err := url.ParseRequestURI(t.endpoint); err != nil {
			return nil, fmt.Errorf("invalid remote write endpoint: %w", err)
		}
		return NewRemoteWritePusher(t.endpoint, t.authToken), nil
	},
	ExporterPrometheusPushgateway: func(t target) (Pusher, error) {
		p := NewPushgatewayPusher(t.endpoint, t.cfg.AppName, map[string]string{
			"environment": t.cfg.Environment,
		})
		p.authToken = t.authToken
		return p, nil
	},
	ExporterOTLP: func(t target) (Pusher, error) {
		address, secure, err := parseOTLPEndpoint(t.endpoint)
		if err != nil {
			return nil, err
		}
		return NewOTLPPusher(address, secure, t.authToken, Resource{
			ServiceName:    t.cfg.AppName,
			ServiceVersion: t.cfg.AppVersion,
			Environment:    t.cfg.Environment,
		}), nil
	},
}

// NewPusher builds the configured exporter. It returns nil when push is off
// or cannot be set up; billing runs the same without it.
func NewPusher(cfg config.Config, logger *zap.Logger) Pusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("metricspush")
	if !cfg.MetricsPush.Enabled {
		return nil
	}

	exporter := strings.ToLower(strings.TrimSpace(cfg.MetricsPush.Exporter))
	build, ok := exporters[exporter]
	if !ok {
		logger.Warn("metrics push disabled: unknown exporter", zap.String("exporter", exporter))
		return nil
	}
	t := target{
		endpoint:  strings.TrimSpace(cfg.MetricsPush.Endpoint),
		authToken: strings.TrimSpace(cfg.MetricsPush.AuthToken),
		cfg:       cfg,
	}
	if t.endpoint == "" {
		logger.Warn("metrics push disabled: no endpoint", zap.String("exporter", exporter))
		return nil
	}
	pusher, err := build(t)
	if err != nil {
		logger.Warn("metrics push disabled", zap.String("exporter", exporter), zap.Error(err))
		return nil
	}
	logger.Info("metrics push enabled", zap.String("exporter", exporter))
	return pusher
}
