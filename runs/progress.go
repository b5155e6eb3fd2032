package runs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/c360studio/convotest/engine"
)

// ProgressSubjectPrefix prefixes the per-run progress subjects.
const ProgressSubjectPrefix = "convotest.runs."

// ProgressSubject returns the subject progress for runID is published on.
func ProgressSubject(runID string) string {
	return ProgressSubjectPrefix + runID + ".progress"
}

// Publisher broadcasts progress snapshots outside the store.
type Publisher interface {
	PublishProgress(ctx context.Context, runID string, p engine.Progress) error
}

// NATSPublisher publishes progress as JSON on core NATS.
type NATSPublisher struct {
	nc *nats.Conn
}

// NewNATSPublisher creates a publisher on nc.
func NewNATSPublisher(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc}
}

// PublishProgress implements Publisher.
func (p *NATSPublisher) PublishProgress(_ context.Context, runID string, prog engine.Progress) error {
	data, err := json.Marshal(prog)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if err := p.nc.Publish(ProgressSubject(runID), data); err != nil {
		return fmt.Errorf("publish progress: %w", err)
	}
	return nil
}

// progressSink writes snapshots into the run record and forwards them to
// the publisher when one is configured.
type progressSink struct {
	runID     string
	store     Store
	publisher Publisher
}

func (s *progressSink) Publish(ctx context.Context, p engine.Progress) error {
	if _, err := s.store.Update(ctx, s.runID, func(r *Run) error {
		r.Progress = &p
		return nil
	}); err != nil {
		return fmt.Errorf("store progress: %w", err)
	}
	if s.publisher == nil {
		return nil
	}
	return s.publisher.PublishProgress(ctx, s.runID, p)
}

// stopFlag reads stopRequested from the run record.
type stopFlag struct {
	runID string
	store Store
}

func (f *stopFlag) StopRequested(ctx context.Context) bool {
	r, err := f.store.Get(ctx, f.runID)
	if err != nil {
		return false
	}
	return r.StopRequested
}
