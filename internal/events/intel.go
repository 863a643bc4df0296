package events

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// IntelStream is the Redis stream downstream analytics consume. The
// exporter is one-way: nothing in the control plane reads it back.
const IntelStream = "intel:records"

// intelMaxLen caps the stream so an idle consumer cannot grow it without
// bound.
const intelMaxLen = 10000

// IntelExporter copies terminal job events onto the intel stream.
type IntelExporter struct {
	bus *Bus
	rdb *redis.Client
}

func NewIntelExporter(bus *Bus, rdb *redis.Client) *IntelExporter {
	return &IntelExporter{bus: bus, rdb: rdb}
}

// Run consumes the bus until ctx is cancelled. Export failures are logged
// and skipped; the feed is best-effort.
func (e *IntelExporter) Run(ctx context.Context) {
	sub := e.bus.Subscribe(
		TypeJobCompleted, TypeJobFailed, TypeJobDeadLetter, TypeWorkflowDone,
	)
	defer e.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			data, err := event.JSON()
			if err != nil {
				continue
			}
			err = e.rdb.XAdd(ctx, &redis.XAddArgs{
				Stream: IntelStream,
				MaxLen: intelMaxLen,
				Approx: true,
				Values: map[string]interface{}{
					"type":    event.Type,
					"subject": event.Subject,
					"event":   string(data),
				},
			}).Err()
			if err != nil {
				slog.Warn("intel export failed", "event", "intel_export_failed",
					"type", event.Type, "error", err)
			}
		}
	}
}
