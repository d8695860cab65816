// Package metrics defines the domain metric emitters built on the statsd sink.
package metrics

import (
	"time"

	"github.com/postpilot/postpilot/internal/observability/statsd"
)

// Publish job results.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// PublishJobMetric describes one completed publish job attempt.
type PublishJobMetric struct {
	Result   string
	Reason   string
	Category string
	Duration time.Duration
}

// EmitPublishJob records the outcome and duration of a publish job.
func EmitPublishJob(sink statsd.Sink, in PublishJobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{"result": in.Result}
	if in.Reason != "" {
		tags["reason"] = in.Reason
	}
	if in.Category != "" {
		tags["category"] = in.Category
	}

	sink.Count("publish.job", 1, tags)
	if in.Duration > 0 {
		sink.Timing("publish.duration", in.Duration, tags)
	}
}
