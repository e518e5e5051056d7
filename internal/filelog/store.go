package filelog

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ledgerFile = "participant_assignments.csv"
	logsDir    = "participant_logs"
	eventsDir  = "event_logs"
)

// Store is a file-backed study store.
//
// Thread-safety: Store is safe for concurrent use. A root directory must be
// written by one process at a time; the ledger flock only protects
// allocation.
type Store struct {
	root string

	// ledgerMu serializes read-count-then-append on the ledger within the process.
	ledgerMu sync.Mutex

	// participants guards each participant's log files.
	// Entries are reference counted and dropped when the last holder unlocks.
	mu           sync.Mutex
	participants map[string]*participantLock
}

type participantLock struct {
	mu   sync.Mutex
	refs int
}

// Open creates the directory layout under root if needed and returns a store.
// This function is idempotent.
func Open(root string) (*Store, error) {
	for _, dir := range []string{root, filepath.Join(root, logsDir), filepath.Join(root, eventsDir)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	s := &Store{root: root, participants: make(map[string]*participantLock)}
	if err := s.ensureHeader(s.ledgerPath(), ledgerHeader); err != nil {
		return nil, fmt.Errorf("create ledger: %w", err)
	}
	return s, nil
}

// Close releases nothing; files are opened per operation.
func (s *Store) Close() error {
	return nil
}

// Ping verifies the root directory is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root %s is not a directory", s.root)
	}
	return nil
}

func (s *Store) ledgerPath() string {
	return filepath.Join(s.root, ledgerFile)
}

func (s *Store) trialsPath(pid string) string {
	return filepath.Join(s.root, logsDir, pid+".csv")
}

func (s *Store) switchesPath(pid string) string {
	return filepath.Join(s.root, logsDir, pid+"_first_ride_switches.json")
}

func (s *Store) reflectionPath(pid string, condition int) string {
	return filepath.Join(s.root, logsDir, pid+"_reflection_"+strconv.Itoa(condition)+".json")
}

func (s *Store) eventsPath(pid string) string {
	return filepath.Join(s.root, eventsDir, pid+"_events.csv")
}

// lockParticipant acquires the participant's mutex and returns its release.
func (s *Store) lockParticipant(pid string) func() {
	s.mu.Lock()
	l, ok := s.participants[pid]
	if !ok {
		l = &participantLock{}
		s.participants[pid] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.participants, pid)
		}
		s.mu.Unlock()
	}
}

// checkID rejects ids that would escape the log directories.
func checkID(pid string) error {
	if pid == "" || pid == "." || pid == ".." || strings.ContainsAny(pid, "/\\\x00") {
		return fmt.Errorf("invalid participant id %q", pid)
	}
	return nil
}

// ensureHeader creates a CSV file containing only the header row if the file
// does not exist yet.
func (s *Store) ensureHeader(path string, header []string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	data, err := encodeRows([][]string{header})
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// appendRow appends one CSV row and fsyncs the file. If a previous append
// was cut short and left no trailing newline, a newline is written first so
// the torn row stays isolated.
func appendRow(path string, header, row []string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", filepath.Base(path), err)
	}

	rows := [][]string{row}
	var prefix []byte
	if info.Size() == 0 {
		rows = [][]string{header, row}
	} else {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err != nil {
			return fmt.Errorf("read tail of %s: %w", filepath.Base(path), err)
		}
		if last[0] != '\n' {
			prefix = []byte{'\n'}
		}
	}

	data, err := encodeRows(rows)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(prefix, data...)); err != nil {
		return fmt.Errorf("append %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	return nil
}

func encodeRows(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("encode csv: %w", err)
	}
	return buf.Bytes(), nil
}

// readRows returns every parsable data row of a CSV file, skipping the header
// and any row the CSV reader rejects. A missing file yields no rows.
func readRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var rows [][]string
	first := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		if first {
			first = false
			if isHeader(rec) {
				continue
			}
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

func isHeader(rec []string) bool {
	if len(rec) < 2 {
		return false
	}
	_, err := strconv.Atoi(rec[1])
	return err != nil && rec[1] != ""
}

// writeFileAtomic replaces path with data: temp file, fsync, rename, then an
// fsync of the directory so the rename itself is durable.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o640); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	cleanup = false

	return syncDir(dir)
}

// syncDir syncs a directory to ensure durability of file operations.
// This is needed after atomic rename on some filesystems.
func syncDir(dirPath string) error {
	dir, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime accepts RFC 3339 and the naive ISO form the Flask service wrote.
// Unparsable values yield the zero time.
func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
