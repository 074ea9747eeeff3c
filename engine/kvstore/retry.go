package kvstore

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrKeyNotFound is returned by UpdateWithRetry when the key is absent.
type ErrKeyNotFound struct{ Key string }

func (e ErrKeyNotFound) Error() string { return fmt.Sprintf("key %s not found", e.Key) }

// RetryConfig bounds the CAS retry loop.
type RetryConfig struct {
	MaxAttempts  int           // attempts before ErrTooManyRetries
	InitialDelay time.Duration // doubles each attempt, plus jitter up to itself
}

// DefaultRetry matches the registry's standard budget: up to five attempts
// with 100ms base delay (0.1s, 0.2s, 0.4s, 0.8s waits between them).
var DefaultRetry = RetryConfig{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond}

// UpdateWithRetry reads the JSON value at key, applies updateFn, and writes
// the result back under CAS. A version conflict waits
// (2^attempt * initial) + uniform(0, initial) and retries; any error raised
// by updateFn propagates immediately without retrying.
//
// onConflict, if non-nil, is invoked once per observed CAS conflict
// (used for metrics).
func UpdateWithRetry(store VersionedStore, key string, updateFn func(map[string]any) (map[string]any, error), cfg RetryConfig, onConflict func()) (map[string]any, error) {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetry
	}

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		raw, version, ok, err := store.Get(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrKeyNotFound{Key: key}
		}

		var current map[string]any
		if err := json.Unmarshal(raw, &current); err != nil {
			return nil, fmt.Errorf("invalid JSON in %s: %w", key, err)
		}

		updated, err := updateFn(current)
		if err != nil {
			// Business-logic errors are not conflicts; propagate as-is.
			return nil, err
		}

		newRaw, err := json.MarshalIndent(updated, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("serializing %s: %w", key, err)
		}

		written, err := store.Put(key, newRaw, version)
		if err != nil {
			return nil, err
		}
		if written {
			logrus.Debugf("updated %s on attempt %d", key, attempt+1)
			return updated, nil
		}

		if onConflict != nil {
			onConflict()
		}
		if attempt < cfg.MaxAttempts-1 {
			delay := (1 << attempt) * cfg.InitialDelay
			jitter := time.Duration(rand.Int63n(int64(cfg.InitialDelay)))
			logrus.Debugf("CAS conflict on %s, attempt %d/%d, retrying in %v",
				key, attempt+1, cfg.MaxAttempts, delay+jitter)
			time.Sleep(delay + jitter)
		} else {
			logrus.Warnf("CAS conflict on %s, no more retries", key)
		}
	}
	return nil, fmt.Errorf("updating %s after %d attempts: %w", key, cfg.MaxAttempts, ErrTooManyRetries)
}

// GetJSON fetches and decodes a JSON value, returning nil when absent or
// malformed (tolerant read).
func GetJSON(store VersionedStore, key string) (map[string]any, error) {
	raw, _, ok, err := store.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil {
		logrus.Errorf("invalid JSON in %s: %v", key, err)
		return nil, nil
	}
	return value, nil
}
