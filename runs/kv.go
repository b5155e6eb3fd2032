package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"
)

// BucketRuns is the JetStream KV bucket holding run records.
const BucketRuns = "CONVOTEST_RUNS"

// maxUpdateAttempts bounds optimistic-concurrency retries in Update.
const maxUpdateAttempts = 5

// KVStore persists runs in a JetStream KV bucket keyed by run id.
type KVStore struct {
	bucket jetstream.KeyValue
	logger *slog.Logger
}

// NewKVStore opens the runs bucket, creating it if needed.
func NewKVStore(ctx context.Context, js jetstream.JetStream, logger *slog.Logger) (*KVStore, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	bucket, err := getOrCreateBucket(ctx, js, BucketRuns)
	if err != nil {
		return nil, fmt.Errorf("create runs bucket: %w", err)
	}
	return &KVStore{bucket: bucket, logger: logger}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "Conversation test runs",
		History:     5,
	})
}

// Create implements Store.
func (s *KVStore) Create(ctx context.Context, r *Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	if _, err := s.bucket.Create(ctx, r.ID, data); err != nil {
		return fmt.Errorf("store run: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *KVStore) Get(ctx context.Context, id string) (*Run, error) {
	entry, err := s.bucket.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return decodeRun(entry.Value())
}

// Update implements Store. Concurrent writers are reconciled by retrying
// against the latest revision.
func (s *KVStore) Update(ctx context.Context, id string, fn func(r *Run) error) (*Run, error) {
	for attempt := 1; ; attempt++ {
		entry, err := s.bucket.Get(ctx, id)
		if err != nil {
			if isNotFound(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("get run: %w", err)
		}
		r, err := decodeRun(entry.Value())
		if err != nil {
			return nil, err
		}
		if err := fn(r); err != nil {
			return nil, err
		}
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("marshal run: %w", err)
		}

		_, err = s.bucket.Update(ctx, id, data, entry.Revision())
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) || attempt >= maxUpdateAttempts {
			return nil, fmt.Errorf("update run: %w", err)
		}
		s.logger.Debug("Run revision conflict, retrying", "run_id", id, "attempt", attempt)
	}
}

// List implements Store.
func (s *KVStore) List(ctx context.Context, f ListFilter) ([]*Run, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []*Run{}, nil
		}
		return nil, fmt.Errorf("list run keys: %w", err)
	}

	out := make([]*Run, 0, len(keys))
	for _, key := range keys {
		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			continue
		}
		r, err := decodeRun(entry.Value())
		if err != nil {
			s.logger.Warn("Failed to unmarshal run", "key", key, "error", err)
			continue
		}
		if f.matches(r) {
			out = append(out, r)
		}
	}
	return f.apply(out), nil
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}
