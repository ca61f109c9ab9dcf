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

	logx "pewcast/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//   - <prefix>.ledger.json          (replaced atomically per broadcast)
//   - <prefix>.flags.snapshot.json  (periodic snapshot)
//   - <prefix>.flags.journal.jsonl  (append-only journal)
//
// The flag journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	ledgerPath string

	flagsSnapshotPath string
	flagsJournalFile  *os.File
	blocked           map[string]bool

	flagWrites int
}

type flagRecord struct {
	Key     string `json:"key"`
	Blocked bool   `json:"blocked"`
}

const flagCompactEvery = 200

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

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".flags.snapshot.json"
	journalPath := prefix + ".flags.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	blocked := map[string]bool{}
	if err := loadFlagSnapshot(snapPath, blocked); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("flag snapshot unreadable; ignoring", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayFlagJournal(journalPath, blocked); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("flag journal unreadable; ignoring", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:               log,
		auditFile:         af,
		ledgerPath:        prefix + ".ledger.json",
		flagsSnapshotPath: snapPath,
		flagsJournalFile:  jf,
		blocked:           blocked,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.flagsJournalFile != nil {
		err2 = s.flagsJournalFile.Close()
		s.flagsJournalFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) SaveDeliveries(ctx context.Context, g Generation) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.ledgerPath, g)
}

func (s *fileStore) LoadDeliveries(ctx context.Context) (Generation, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.ledgerPath)
	if errors.Is(err, os.ErrNotExist) {
		return Generation{}, nil
	}
	if err != nil {
		return Generation{}, err
	}
	var g Generation
	if err := json.Unmarshal(b, &g); err != nil {
		return Generation{}, err
	}
	return g, nil
}

func (s *fileStore) ClearDeliveries(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.ledgerPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *fileStore) IsBlocked(ctx context.Context, key string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked[strings.TrimSpace(key)], nil
}

func (s *fileStore) SetBlocked(ctx context.Context, key string, blocked bool) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flagsJournalFile == nil {
		return errors.New("flag journal closed")
	}
	if blocked {
		s.blocked[key] = true
	} else {
		delete(s.blocked, key)
	}

	if err := json.NewEncoder(s.flagsJournalFile).Encode(flagRecord{Key: key, Blocked: blocked}); err != nil {
		return err
	}
	s.flagWrites++
	if s.flagWrites%flagCompactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("flag compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) BlockedKeys(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.blocked))
	for k := range s.blocked {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) compactLocked() error {
	if err := writeFileAtomic(s.flagsSnapshotPath, s.blocked); err != nil {
		return err
	}
	if err := s.flagsJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.flagsJournalFile.Seek(0, 2)
	return err
}

func writeFileAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadFlagSnapshot(path string, out map[string]bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]bool
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		if v {
			out[k] = true
		}
	}
	return nil
}

func replayFlagJournal(path string, out map[string]bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r flagRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		if r.Blocked {
			out[r.Key] = true
		} else {
			delete(out, r.Key)
		}
	}
	return sc.Err()
}
