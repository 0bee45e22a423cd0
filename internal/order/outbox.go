package order

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// intentRecord is one line of the append-only intent log. The log is
// replayed on startup so a restarted agent never re-submits an intent
// it already acted on.
type intentRecord struct {
	ClientID       string    `json:"client_id"`
	Symbol         string    `json:"symbol"`
	Action         string    `json:"action"`
	Quantity       int       `json:"quantity"`
	IdempotencyKey string    `json:"idempotency_key"`
	At             time.Time `json:"at"`
}

// IntentLog is a JSONL append-only record of submission intents with
// idempotency-key dedupe.
type IntentLog struct {
	mu   sync.Mutex
	path string
	seen map[string]bool
}

// OpenIntentLog opens (or creates) the log at path and loads the set of
// idempotency keys already written.
func OpenIntentLog(path string) (*IntentLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	l := &IntentLog{path: path, seen: make(map[string]bool)}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec intentRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if rec.IdempotencyKey != "" {
			l.seen[rec.IdempotencyKey] = true
		}
	}
	return l, sc.Err()
}

// Seen reports whether key was already logged.
func (l *IntentLog) Seen(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen[key]
}

// Append writes the intent and marks its key as seen.
func (l *IntentLog) Append(rec intentRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.At = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	if rec.IdempotencyKey != "" {
		l.seen[rec.IdempotencyKey] = true
	}
	return nil
}
