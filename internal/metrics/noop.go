// Package metrics provides the default no-op metrics client used when a
// store is built without WithMetrics.
package metrics

import (
	"time"

	m "github.com/devlift/sdlcflow/metrics"
)

type noopMetricsClient struct {
}

func NewNoopMetricsClient() *noopMetricsClient {
	return &noopMetricsClient{}
}

var _ m.Client = (*noopMetricsClient)(nil)

func (*noopMetricsClient) Counter(name string, tags m.Tags, value float64) {
}

func (*noopMetricsClient) Distribution(name string, tags m.Tags, value float64) {
}

func (*noopMetricsClient) Timing(name string, tags m.Tags, duration time.Duration) {
}

func (*noopMetricsClient) Gauge(name string, tags m.Tags, value int64) {
}

func (nmc *noopMetricsClient) WithTags(tags m.Tags) m.Client {
	return nmc
}
