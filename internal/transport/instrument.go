package transport

import (
	"context"
	"time"

	"mailsched/internal/observability"
)

type instrumented struct {
	name string
	next Sender
}

// Instrument records send outcome and latency for every call to s.
func Instrument(name string, s Sender) Sender {
	return &instrumented{name: name, next: s}
}

func (i *instrumented) Send(ctx context.Context, m Message) (Result, error) {
	start := time.Now()
	res, err := i.next.Send(ctx, m)
	observability.TransportLatency.WithLabelValues(i.name).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.TransportSend.WithLabelValues(i.name, result).Inc()
	return res, err
}
