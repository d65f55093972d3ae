package state

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bytedance/sonic"

	"marketmaker/internal/errors"
	"marketmaker/pkg/exception"
)

const stateExt = ".json"

// FileStore keeps one JSON state file per instrument under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create state dir")
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the state file of symbol.
func (s *FileStore) Path(symbol string) string {
	return filepath.Join(s.dir, symbol+stateExt)
}

// Save writes the snapshot atomically: a temp file in the same directory is written,
// fsynced and renamed over the previous file.
func (s *FileStore) Save(snap Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+snap.Symbol+"-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp state")
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return errors.Wrap(err, "write temp state")
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return errors.Wrap(err, "sync temp state")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "close temp state")
	}
	if err := os.Rename(tmpName, s.Path(snap.Symbol)); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "rename state")
	}

	if d, err := os.Open(s.dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// Load reads the state file of symbol. A missing file returns false and no error.
func (s *FileStore) Load(symbol string) (Snapshot, bool, error) {
	data, err := os.ReadFile(s.Path(symbol))
	if os.IsNotExist(err) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, errors.Wrap(err, "read state")
	}
	snap, err := Decode(data)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// Symbols lists the instruments with a state file, sorted.
func (s *FileStore) Symbols() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "list state dir")
	}
	var symbols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, stateExt) {
			continue
		}
		symbols = append(symbols, strings.TrimSuffix(name, stateExt))
	}
	sort.Strings(symbols)
	return symbols, nil
}

// Encode renders a snapshot as indented JSON with decimals as strings.
func Encode(snap Snapshot) ([]byte, error) {
	data, err := sonic.ConfigStd.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encode state")
	}
	return append(data, '\n'), nil
}

// Decode parses a state file.
func Decode(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := sonic.ConfigStd.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, errors.Mark(errors.Wrap(exception.ErrLedgerCorruptState, err.Error()), exception.ErrDataIntegrity)
	}
	return snap, nil
}
