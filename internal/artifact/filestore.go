package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/keilynrp/Trading-Observer/internal/scaler"
)

const (
	scalerSuffix = "_scaler.json"
	modelSuffix  = "_model.json"
)

// FileStore keeps artifacts as JSON files under one directory.
type FileStore struct {
	dir    string
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("artifact directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &FileStore{
		dir:    dir,
		logger: logger.With().Str("component", "artifact_store").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the root directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) lock(symbol string) func() {
	s.mu.Lock()
	l, ok := s.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		s.locks[symbol] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *FileStore) scalerPath(symbol string) string {
	return filepath.Join(s.dir, symbol+scalerSuffix)
}

func (s *FileStore) modelPath(symbol string) string {
	return filepath.Join(s.dir, symbol+modelSuffix)
}

// Publish writes both files. Everything is encoded and staged before the
// first rename, so an encoding or disk failure leaves the previous pair intact.
func (s *FileStore) Publish(symbol string, state scaler.State, art ModelArtifact) error {
	symbol, err := NormalizeSymbol(symbol)
	if err != nil {
		return err
	}
	if err := state.Validate(); err != nil {
		return fmt.Errorf("publish %s: %w", symbol, err)
	}

	scalerData, err := encodeScaler(state)
	if err != nil {
		return fmt.Errorf("publish %s: %w", symbol, err)
	}
	art.Symbol = symbol
	art.ScalerDigest = Digest(scalerData)
	modelData, err := encodeModel(art)
	if err != nil {
		return fmt.Errorf("publish %s: %w", symbol, err)
	}

	unlock := s.lock(symbol)
	defer unlock()

	scalerTmp, err := stage(s.dir, symbol+scalerSuffix, scalerData)
	if err != nil {
		return fmt.Errorf("publish %s scaler: %w", symbol, err)
	}
	modelTmp, err := stage(s.dir, symbol+modelSuffix, modelData)
	if err != nil {
		_ = os.Remove(scalerTmp)
		return fmt.Errorf("publish %s model: %w", symbol, err)
	}

	if err := os.Rename(scalerTmp, s.scalerPath(symbol)); err != nil {
		_ = os.Remove(scalerTmp)
		_ = os.Remove(modelTmp)
		return fmt.Errorf("publish %s scaler: %w", symbol, err)
	}
	// a failure here leaves a new scaler next to the old model; Load reports it as ErrCorrupt
	if err := os.Rename(modelTmp, s.modelPath(symbol)); err != nil {
		_ = os.Remove(modelTmp)
		return fmt.Errorf("publish %s model: %w", symbol, err)
	}
	syncDir(s.dir)

	s.logger.Info().Str("symbol", symbol).Str("digest", art.ScalerDigest[:12]).
		Time("trained_at", art.TrainedAt).Msg("artifacts published")
	return nil
}

// SaveScaler replaces the scaler file alone.
func (s *FileStore) SaveScaler(symbol string, state scaler.State) error {
	symbol, err := NormalizeSymbol(symbol)
	if err != nil {
		return err
	}
	if err := state.Validate(); err != nil {
		return fmt.Errorf("save %s scaler: %w", symbol, err)
	}
	data, err := encodeScaler(state)
	if err != nil {
		return fmt.Errorf("save %s scaler: %w", symbol, err)
	}

	unlock := s.lock(symbol)
	defer unlock()
	return commit(s.dir, symbol+scalerSuffix, data)
}

// SaveModel replaces the model file alone, binding it to the scaler currently on disk.
func (s *FileStore) SaveModel(symbol string, art ModelArtifact) error {
	symbol, err := NormalizeSymbol(symbol)
	if err != nil {
		return err
	}

	unlock := s.lock(symbol)
	defer unlock()

	scalerData, err := os.ReadFile(s.scalerPath(symbol))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("save %s model: scaler must be saved first: %w", symbol, ErrNotFound)
		}
		return fmt.Errorf("save %s model: %w", symbol, err)
	}
	art.Symbol = symbol
	art.ScalerDigest = Digest(scalerData)

	data, err := encodeModel(art)
	if err != nil {
		return fmt.Errorf("save %s model: %w", symbol, err)
	}
	return commit(s.dir, symbol+modelSuffix, data)
}

// Load returns the latest published pair for symbol.
func (s *FileStore) Load(symbol string) (scaler.State, ModelArtifact, error) {
	symbol, err := NormalizeSymbol(symbol)
	if err != nil {
		return scaler.State{}, ModelArtifact{}, err
	}

	unlock := s.lock(symbol)
	scalerData, scalerErr := os.ReadFile(s.scalerPath(symbol))
	modelData, modelErr := os.ReadFile(s.modelPath(symbol))
	unlock()

	for _, err := range []error{scalerErr, modelErr} {
		if err == nil {
			continue
		}
		if errors.Is(err, fs.ErrNotExist) {
			return scaler.State{}, ModelArtifact{}, fmt.Errorf("%s: %w", symbol, ErrNotFound)
		}
		return scaler.State{}, ModelArtifact{}, fmt.Errorf("read %s artifacts: %w", symbol, err)
	}

	var state scaler.State
	if err := json.Unmarshal(scalerData, &state); err != nil {
		return scaler.State{}, ModelArtifact{}, fmt.Errorf("%w: %s scaler: %v", ErrCorrupt, symbol, err)
	}
	if err := state.Validate(); err != nil {
		return scaler.State{}, ModelArtifact{}, fmt.Errorf("%w: %s scaler: %v", ErrCorrupt, symbol, err)
	}

	var art ModelArtifact
	if err := json.Unmarshal(modelData, &art); err != nil {
		return scaler.State{}, ModelArtifact{}, fmt.Errorf("%w: %s model: %v", ErrCorrupt, symbol, err)
	}
	if art.ScalerDigest != Digest(scalerData) {
		return scaler.State{}, ModelArtifact{}, fmt.Errorf("%w: %s model was trained with a different scaler", ErrCorrupt, symbol)
	}
	if art.Symbol != symbol {
		return scaler.State{}, ModelArtifact{}, fmt.Errorf("%w: %s model belongs to %q", ErrCorrupt, symbol, art.Symbol)
	}
	if _, err := art.Model(); err != nil {
		return scaler.State{}, ModelArtifact{}, fmt.Errorf("%w: %s model: %v", ErrCorrupt, symbol, err)
	}
	return state, art, nil
}

// Exists reports whether a model file is present for symbol.
func (s *FileStore) Exists(symbol string) (bool, error) {
	symbol, err := NormalizeSymbol(symbol)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.modelPath(symbol))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Symbols lists every symbol with a model file, sorted.
func (s *FileStore) Symbols() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	var symbols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, modelSuffix) || strings.HasPrefix(name, ".") {
			continue
		}
		symbols = append(symbols, strings.TrimSuffix(name, modelSuffix))
	}
	sort.Strings(symbols)
	return symbols, nil
}

func encodeScaler(state scaler.State) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode scaler: %w", err)
	}
	return append(data, '\n'), nil
}

func encodeModel(art ModelArtifact) ([]byte, error) {
	data, err := json.Marshal(art)
	if err != nil {
		return nil, fmt.Errorf("encode model: %w", err)
	}
	return append(data, '\n'), nil
}

// stage writes data to a hidden temp file next to name and fsyncs it.
func stage(dir, name string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return "", err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

func commit(dir, name string, data []byte) error {
	tmp, err := stage(dir, name, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return err
	}
	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

var (
	_ Publisher = (*FileStore)(nil)
	_ Loader    = (*FileStore)(nil)
)
