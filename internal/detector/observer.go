package detector

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// NewSlogObserver logs every diagnostics event at debug level.
func NewSlogObserver(logger *slog.Logger) domain.Observer {
	return domain.ObserverFunc(func(ctx context.Context, ev domain.Event) {
		logger.DebugContext(ctx, "pipeline event",
			"kind", ev.Kind,
			"client_id", ev.ClientID,
			"index", ev.Index,
			"fields", ev.Fields,
		)
	})
}

// NewBusObserver publishes every diagnostics event on TopicDiagnostics.
// Publish failures are logged and otherwise ignored.
func NewBusObserver(bus domain.EventBus) domain.Observer {
	return domain.ObserverFunc(func(ctx context.Context, ev domain.Event) {
		payload, err := json.Marshal(ev)
		if err != nil {
			slog.Warn("failed to encode diagnostics event", "kind", ev.Kind, "error", err)
			return
		}
		if err := bus.Publish(ctx, domain.TopicDiagnostics, payload); err != nil {
			slog.Warn("failed to publish diagnostics event", "kind", ev.Kind, "error", err)
		}
	})
}

// MultiObserver fans events out to every non-nil observer. Returns nil when
// none remain.
func MultiObserver(observers ...domain.Observer) domain.Observer {
	var list []domain.Observer
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	switch len(list) {
	case 0:
		return nil
	case 1:
		return list[0]
	}
	return domain.ObserverFunc(func(ctx context.Context, ev domain.Event) {
		for _, o := range list {
			o.Observe(ctx, ev)
		}
	})
}
