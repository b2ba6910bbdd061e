package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "matbtrainer/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.events.jsonl         (append-only JSON Lines)
//   - <prefix>.sessions.json        (snapshot, rewritten on every PutSession)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	eventsPath   string
	eventsFile   *os.File
	sessionsPath string
	sessions     map[string]SessionSummary
}

func init() { register("file", openFile) }

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	eventsPath := prefix + ".events.jsonl"
	sessionsPath := prefix + ".sessions.json"

	ef, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	sessions := map[string]SessionSummary{}
	if err := loadSessions(sessionsPath, sessions); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("sessions snapshot unreadable; starting empty", logx.Err(err))
	}

	return &fileStore{
		log:          log,
		eventsPath:   eventsPath,
		eventsFile:   ef,
		sessionsPath: sessionsPath,
		sessions:     sessions,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return nil
	}
	err := s.eventsFile.Close()
	s.eventsFile = nil
	return err
}

func (s *fileStore) AppendEvent(ctx context.Context, r Record) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.eventsFile).Encode(r)
}

func (s *fileStore) ListEvents(ctx context.Context, q Query) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return nil, ErrClosed
	}

	f, err := os.Open(s.eventsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if !q.match(r) {
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[1:]
		}
	}
	return out, sc.Err()
}

func (s *fileStore) PutSession(ctx context.Context, sum SessionSummary) error {
	_ = ctx
	if strings.TrimSpace(sum.ID) == "" {
		return errors.New("session id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return ErrClosed
	}
	s.sessions[sum.ID] = sum
	return s.writeSessionsLocked()
}

func (s *fileStore) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionSummary, 0, len(s.sessions))
	for _, v := range s.sessions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *fileStore) writeSessionsLocked() error {
	tmp := s.sessionsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.sessions); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.sessionsPath)
}

func loadSessions(path string, out map[string]SessionSummary) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]SessionSummary
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}
