package observability

import (
	"strings"

	"github.com/one-covenant/basilica-billing/internal/config"
)

const defaultServiceName = "basilica-billing"

// Config is the resolved telemetry identity and exporter settings shared by
// the logger, tracer and otel meter.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	obs := cfg.Observability
	protocol := obs.OTLPProtocol
	if protocol == "" {
		protocol = "grpc"
	}
	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             obs.LogLevel,
		LogFormat:            obs.LogFormat,
		OtelEnabled:          obs.OtelEnabled && obs.OTLPEndpoint != "",
		OtelExporterEndpoint: obs.OTLPEndpoint,
		OtelExporterProtocol: protocol,
		OtelSamplingRatio:    obs.SamplingRatio,
	}
}

// Debug enables development logging and stack traces on errors.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}
