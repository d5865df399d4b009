package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Run statuses stored in training_runs.status.
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// TrainingRun is one row of the training ledger.
type TrainingRun struct {
	ID         int64
	Symbol     string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Epochs     int
	TrainLoss  *decimal.Decimal
	TestLoss   *decimal.Decimal
	Error      *string
	Params     []byte
}

// RunOutcome carries the values written when a run ends.
type RunOutcome struct {
	Status    string
	Epochs    int
	TrainLoss float64
	TestLoss  float64
	Err       error
}
