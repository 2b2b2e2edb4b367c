// Package output writes detected alerts to files, the repository and the event bus.
package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Stdout is the JSONFile destination that writes to standard output.
const Stdout = "-"

// JSONFile writes alerts as a pretty-printed JSON array.
type JSONFile struct {
	// Stdout receives output for the "-" destination. Defaults to os.Stdout.
	Stdout io.Writer
}

// Output implements domain.AlertOutput.
func (o *JSONFile) Output(ctx context.Context, alerts []domain.Alert, path string) error {
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	data, err := json.MarshalIndent(alerts, "", "    ")
	if err != nil {
		return fmt.Errorf("%w: failed to encode alerts: %v", domain.ErrIO, err)
	}
	data = append(data, '\n')

	if path == Stdout {
		w := o.Stdout
		if w == nil {
			w = os.Stdout
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrIO, err)
		}
		return nil
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	return nil
}

// Repository persists alerts as a detection run.
type Repository struct {
	repo domain.Repository
}

// NewRepository creates a repository-backed output.
func NewRepository(repo domain.Repository) *Repository {
	return &Repository{repo: repo}
}

// Output stores alerts as a new run whose source is destinationRef. Callers
// holding a full DetectionResult should prefer SaveRun.
func (o *Repository) Output(ctx context.Context, alerts []domain.Alert, destinationRef string) error {
	run := &domain.DetectionRun{
		ID:               uuid.New().String(),
		Source:           destinationRef,
		StartedAt:        time.Now().UTC(),
		TransactionCount: len(alerts),
		AlertCount:       len(alerts),
		Alerts:           alerts,
	}
	if len(alerts) > 0 {
		run.Threshold = alerts[0].ErrorThreshold
	}
	return o.SaveRun(ctx, run)
}

// SaveRun persists run and its alerts.
func (o *Repository) SaveRun(ctx context.Context, run *domain.DetectionRun) error {
	if err := o.repo.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	return nil
}

// Bus publishes each alert as JSON. The destination reference is the topic;
// empty means domain.TopicAlert.
type Bus struct {
	bus domain.EventBus
}

// NewBus creates an event-bus output.
func NewBus(bus domain.EventBus) *Bus {
	return &Bus{bus: bus}
}

// Output implements domain.AlertOutput.
func (o *Bus) Output(ctx context.Context, alerts []domain.Alert, topic string) error {
	if topic == "" {
		topic = domain.TopicAlert
	}
	for i := range alerts {
		payload, err := json.Marshal(alerts[i])
		if err != nil {
			return fmt.Errorf("%w: failed to encode alert: %v", domain.ErrIO, err)
		}
		if err := o.bus.Publish(ctx, topic, payload); err != nil {
			return fmt.Errorf("%w: failed to publish alert: %v", domain.ErrIO, err)
		}
	}
	return nil
}

// Target pairs an output with its destination. An empty Ref inherits the
// reference passed to Multi.Output.
type Target struct {
	Output domain.AlertOutput
	Ref    string
}

// Multi fans alerts out to every target in order. The first failure aborts.
type Multi []Target

// Output implements domain.AlertOutput.
func (m Multi) Output(ctx context.Context, alerts []domain.Alert, destinationRef string) error {
	for _, t := range m {
		ref := t.Ref
		if ref == "" {
			ref = destinationRef
		}
		if err := t.Output.Output(ctx, alerts, ref); err != nil {
			return err
		}
	}
	return nil
}
