// Package artifact persists the fitted scaler and trained model of a symbol.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keilynrp/Trading-Observer/internal/model"
	"github.com/keilynrp/Trading-Observer/internal/scaler"
)

var (
	// ErrNotFound is returned when a symbol has never been trained.
	ErrNotFound = errors.New("artifact not found")
	// ErrCorrupt is returned when persisted files cannot be decoded or do not belong together.
	ErrCorrupt = errors.New("artifact corrupt")
	// ErrInvalidSymbol rejects symbols that cannot be used as file names.
	ErrInvalidSymbol = errors.New("invalid symbol")
)

// Metrics summarises the run that produced a model.
type Metrics struct {
	TrainLoss    float64 `json:"train_loss"`
	TestLoss     float64 `json:"test_loss"`
	Epochs       int     `json:"epochs"`
	TrainWindows int     `json:"train_windows"`
	TestWindows  int     `json:"test_windows"`
}

// ModelArtifact is the persisted form of a trained model.
type ModelArtifact struct {
	Symbol       string             `json:"symbol"`
	TrainedAt    time.Time          `json:"trained_at"`
	Architecture model.Architecture `json:"architecture"`
	Tensors      []model.Tensor     `json:"tensors"`
	Metrics      Metrics            `json:"metrics"`
	ScalerDigest string             `json:"scaler_digest"`
}

// Model rebuilds the network described by the artifact.
func (a ModelArtifact) Model() (*model.LSTM, error) {
	return model.FromTensors(a.Architecture, a.Tensors)
}

// Publisher writes a consistent scaler/model pair for a symbol.
type Publisher interface {
	Publish(symbol string, state scaler.State, art ModelArtifact) error
}

// Loader reads the pair back.
type Loader interface {
	Load(symbol string) (scaler.State, ModelArtifact, error)
}

// NormalizeSymbol upper-cases a ticker and rejects characters outside [A-Z0-9.-^=].
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" || len(s) > 32 {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == '^' || r == '=':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
		}
	}
	if s == "." || s == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return s, nil
}

// Digest fingerprints persisted scaler bytes.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
