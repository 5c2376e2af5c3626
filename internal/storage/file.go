package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cronhub/internal/jobs"
	"cronhub/internal/task/trigger"
	logx "cronhub/pkg/logx"
)

// fileStore is the in-memory store made durable with two files:
//   - <prefix>.snapshot.json (periodic full snapshot)
//   - <prefix>.journal.jsonl (one mutation per line, appended before it is applied)
//
// A torn trailing journal line is ignored on replay, so a crash loses at most
// the mutation that was being written. Any journal content read on open is
// folded into a fresh snapshot before the journal accepts new writes, and a
// failed append is cut back off, so later records never share a line with a
// torn one.
type fileStore struct {
	*memStore

	log logx.Logger

	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type snapshot struct {
	Jobs     []jobs.Job     `json:"jobs"`
	Triggers []jobs.Trigger `json:"triggers"`
}

func openFile(cfg Config, calc *trigger.Calculator, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	fs := &fileStore{
		memStore:     newMemStore(calc, cfg.LogSize),
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		compactEvery: 1000,
	}
	journalPath := prefix + ".journal.jsonl"

	if err := fs.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	replayed, skipped, err := fs.replay(journalPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	migrated := fs.migrateLegacyTypes()

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	fs.journal = jf
	fs.persist = fs.append

	if replayed > 0 || skipped > 0 || migrated > 0 {
		fs.mu.Lock()
		err := fs.compactLocked()
		fs.mu.Unlock()
		if err != nil {
			_ = jf.Close()
			return nil, err
		}
	}
	if migrated > 0 {
		log.Info("migrated legacy job types", logx.Int("jobs", migrated), logx.String("to", string(jobs.TypeHTTP)))
	}
	return fs, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

// append journals m. Called with s.mu held.
func (s *fileStore) append(m mutation) error {
	if s.journal == nil {
		return errClosed
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	st, err := s.journal.Stat()
	if err != nil {
		return err
	}
	if _, err := s.journal.Write(b); err != nil {
		return s.rollback(st.Size(), err)
	}
	if err := s.journal.Sync(); err != nil {
		return s.rollback(st.Size(), err)
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort: the journal is still authoritative if this fails.
		if err := s.compactAfterApply(m); err != nil {
			s.log.Debug("store compact failed", logx.Any("err", err))
		}
	}
	return nil
}

// rollback cuts the journal back to size after a failed append.
func (s *fileStore) rollback(size int64, cause error) error {
	if err := s.journal.Truncate(size); err != nil {
		return errors.Join(cause, err)
	}
	if _, err := s.journal.Seek(size, io.SeekStart); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// compactAfterApply snapshots the state including m, which is journaled but
// not yet applied.
func (s *fileStore) compactAfterApply(m mutation) error {
	s.applyLocked(m)
	return s.compactLocked()
}

func (s *fileStore) compactLocked() error {
	snap := snapshot{
		Jobs:     make([]jobs.Job, 0, len(s.jobs)),
		Triggers: make([]jobs.Trigger, 0, len(s.trigs)),
	}
	for _, j := range s.jobs {
		snap.Jobs = append(snap.Jobs, j)
	}
	for _, t := range s.trigs {
		snap.Triggers = append(snap.Triggers, t)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if s.journal == nil {
		return nil
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekStart)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	s.applyLocked(mutation{Jobs: snap.Jobs, Triggers: snap.Triggers})
	return nil
}

// replay applies the journal and reports how many lines applied and how many
// were unreadable.
func (s *fileStore) replay(path string) (applied, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var m mutation
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			s.log.Warn("skipping unreadable journal line", logx.Int("line", line), logx.Any("err", err))
			skipped++
			continue
		}
		s.applyLocked(m)
		applied++
	}
	return applied, skipped, sc.Err()
}

// migrateLegacyTypes rewrites jobs persisted without a known type to http.
func (s *fileStore) migrateLegacyTypes() int {
	n := 0
	for k, j := range s.jobs {
		typ, err := jobs.ParseType(string(j.Type))
		if err != nil || typ == j.Type {
			continue
		}
		j.Type = typ
		s.jobs[k] = j
		n++
	}
	return n
}
