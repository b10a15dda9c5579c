package metricspush

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"

	obstracing "github.com/one-covenant/basilica-billing/internal/observability/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PushgatewayPusher replaces the job's group on a Prometheus Pushgateway, so
// a restarted instance overwrites rather than duplicates its totals.
type PushgatewayPusher struct {
	endpoint   string
	job        string
	grouping   map[string]string
	authToken  string
	httpClient *http.Client
}

func NewPushgatewayPusher(endpoint, job string, grouping map[string]string) *PushgatewayPusher {
	return &PushgatewayPusher{
		endpoint:   endpoint,
		job:        strings.TrimSpace(job),
		grouping:   grouping,
		httpClient: obstracing.WrapHTTPClient(&http.Client{Timeout: defaultPushTimeout}),
	}
}

func (p *PushgatewayPusher) Push(ctx context.Context, registry *prometheus.Registry) error {
	if p.job == "" {
		return errors.New("pushgateway job is required")
	}

	pusher := push.New(p.endpoint, p.job).Gatherer(registry).Client(p.httpClient)
	if p.authToken != "" {
		pusher = pusher.Header(http.Header{"Authorization": []string{"Bearer " + p.authToken}})
	}
	keys := make([]string, 0, len(p.grouping))
	for key, value := range p.grouping {
		if strings.TrimSpace(key) != "" && strings.TrimSpace(value) != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		pusher = pusher.Grouping(strings.TrimSpace(key), strings.TrimSpace(p.grouping[key]))
	}
	return pusher.PushContext(ctx)
}
