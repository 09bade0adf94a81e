package store

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"bitget-futures/internal/core"
	"bitget-futures/internal/logging"
)

const journalSeenMaxEntries = 10000

type StreamStatus struct {
	State      string    `json:"state"`
	Reconnects int64     `json:"reconnects"`
	Channels   int       `json:"channels"`
	LastPong   time.Time `json:"last_pong,omitempty"`
}

type RuntimeStatus struct {
	Mode          string                  `json:"mode"`
	Symbol        string                  `json:"symbol"`
	InstanceID    string                  `json:"instance_id"`
	PID           int                     `json:"pid"`
	State         string                  `json:"state"`
	StartedAt     time.Time               `json:"started_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
	LastError     string                  `json:"last_error,omitempty"`
	Streams       map[string]StreamStatus `json:"streams,omitempty"`
	PlaceCircuit  string                  `json:"place_circuit,omitempty"`
	CancelCircuit string                  `json:"cancel_circuit,omitempty"`
	StaleCanceled int64                   `json:"stale_canceled"`
	Journaled     int64                   `json:"journaled"`
}

// JournalEntry is one line of the daily order journal.
type JournalEntry struct {
	RecordedAt time.Time  `json:"recorded_at"`
	Source     string     `json:"source"`
	Order      core.Order `json:"order"`
}

// Store writes the order journal and the runtime status file under one state directory.
// Nothing here is read back into trading decisions.
type Store struct {
	root string
	now  func() time.Time
	log  *logrus.Entry

	mu        sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
}

func New(root string, logger logrus.FieldLogger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(filepath.Join(root, "orders"), 0o755); err != nil {
		return nil, err
	}
	return &Store{
		root: root,
		now:  time.Now,
		log:  logging.Component(logger, "store"),
		seen: make(map[string]struct{}),
	}, nil
}

func (s *Store) Root() string { return s.root }

// AppendOrder journals a terminal order once per (id, status). It reports whether a line was written.
func (s *Store) AppendOrder(source string, ord core.Order) (bool, error) {
	if ord.ID == "" {
		return false, errors.New("order id required")
	}
	key := ord.ID + "|" + string(ord.Status)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false, nil
	}

	now := s.now().UTC()
	day := ord.UpdatedAt
	if day.IsZero() {
		day = now
	}
	line, err := json.Marshal(JournalEntry{RecordedAt: now, Source: source, Order: ord})
	if err != nil {
		return false, err
	}
	path := filepath.Join(s.root, "orders", day.UTC().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return false, err
	}
	if err := f.Sync(); err != nil {
		return false, err
	}
	s.markSeenLocked(key)
	return true, nil
}

func (s *Store) markSeenLocked(key string) {
	s.seen[key] = struct{}{}
	s.seenOrder = append(s.seenOrder, key)
	for len(s.seenOrder) > journalSeenMaxEntries {
		delete(s.seen, s.seenOrder[0])
		s.seenOrder = s.seenOrder[1:]
	}
}

// ReadJournal returns every entry journaled for the given UTC day.
func (s *Store) ReadJournal(day time.Time) ([]JournalEntry, error) {
	data, err := os.ReadFile(filepath.Join(s.root, "orders", day.UTC().Format("2006-01-02")+".jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []JournalEntry
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var entry JournalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return out, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONAtomic(s.runtimeStatusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(s.runtimeStatusPath())
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

func (s *Store) runtimeStatusPath() string {
	return filepath.Join(s.root, "runtime_status.json")
}

func (s *Store) writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	s.fsyncDir(dir)
	return nil
}

// fsyncDir is best-effort; a failure only loses rename durability.
func (s *Store) fsyncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		s.log.WithError(err).WithField("dir", dir).Warn("store_dir_fsync_skipped")
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		s.log.WithError(err).WithField("dir", dir).Warn("store_dir_fsync_failed")
	}
}
