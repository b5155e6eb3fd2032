package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// CallsBucket is the KV bucket holding LLM call records.
const CallsBucket = "CONVOTEST_LLM_CALLS"

// DefaultCallsTTL is how long call records are kept (7 days).
const DefaultCallsTTL = 7 * 24 * time.Hour

// CallScope ties an LLM call to the run and test that caused it.
type CallScope struct {
	RunID  string `json:"run_id,omitempty"`
	TestID string `json:"test_id,omitempty"`
}

type callScopeKey struct{}

// WithCallScope attaches a scope to ctx for call records.
func WithCallScope(ctx context.Context, scope CallScope) context.Context {
	return context.WithValue(ctx, callScopeKey{}, scope)
}

// CallScopeFrom returns the scope attached to ctx, if any.
func CallScopeFrom(ctx context.Context) CallScope {
	if s, ok := ctx.Value(callScopeKey{}).(CallScope); ok {
		return s
	}
	return CallScope{}
}

// CallRecord is one completed (or failed) LLM call.
type CallRecord struct {
	RequestID     string     `json:"request_id"`
	Scope         CallScope  `json:"scope"`
	Capability    string     `json:"capability"`
	Model         string     `json:"model,omitempty"`
	Provider      string     `json:"provider,omitempty"`
	Messages      []Message  `json:"messages"`
	Response      string     `json:"response,omitempty"`
	Usage         TokenUsage `json:"usage"`
	FinishReason  string     `json:"finish_reason,omitempty"`
	Error         string     `json:"error,omitempty"`
	Retries       int        `json:"retries"`
	FallbacksUsed []string   `json:"fallbacks_used,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   time.Time  `json:"completed_at"`
	DurationMs    int64      `json:"duration_ms"`
}

// key returns run.request when scoped to a run so records can be listed
// by run prefix.
func (r *CallRecord) key() string {
	if r.Scope.RunID != "" {
		return r.Scope.RunID + "." + r.RequestID
	}
	return r.RequestID
}

// CallRecorder persists call records.
type CallRecorder interface {
	Record(ctx context.Context, rec *CallRecord) error
}

// CallStore is a CallRecorder backed by a JetStream KV bucket.
type CallStore struct {
	bucket jetstream.KeyValue
	logger *slog.Logger
}

// NewCallStore creates or updates the calls bucket.
func NewCallStore(ctx context.Context, js jetstream.JetStream, ttl time.Duration, logger *slog.Logger) (*CallStore, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream required")
	}
	if ttl <= 0 {
		ttl = DefaultCallsTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      CallsBucket,
		Description: "LLM calls made while judging and driving conversation tests",
		TTL:         ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create calls bucket: %w", err)
	}
	return &CallStore{bucket: bucket, logger: logger}, nil
}

// Record implements CallRecorder.
func (s *CallStore) Record(ctx context.Context, rec *CallRecord) error {
	if rec.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := s.bucket.Put(ctx, rec.key(), data); err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// ListByRun returns the records of one run, oldest first.
func (s *CallStore) ListByRun(ctx context.Context, runID string) ([]*CallRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []*CallRecord{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	prefix := runID + "."
	records := make([]*CallRecord, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, jetstream.ErrKeyDeleted) && !errors.Is(err, jetstream.ErrKeyNotFound) {
				s.logger.Warn("Failed to get call record", "key", key, "error", err)
			}
			continue
		}
		var rec CallRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			s.logger.Warn("Failed to unmarshal call record", "key", key, "error", err)
			continue
		}
		records = append(records, &rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
	return records, nil
}
