package training

import (
	"fmt"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"

	"github.com/keilynrp/Trading-Observer/internal/market"
	"github.com/keilynrp/Trading-Observer/internal/model"
)

var validate = validator.New()

// Options are the hyperparameters of one run. Zero fields take the defaults
// below, so a zero Seed means 42.
type Options struct {
	Lookback     int               `json:"lookback" default:"60" validate:"gt=0"`
	HiddenDim    int               `json:"hidden_dim" default:"50" validate:"gt=0,lte=1024"`
	NumLayers    int               `json:"num_layers" default:"2" validate:"gt=0,lte=8"`
	Epochs       int               `json:"epochs" default:"20" validate:"gt=0"`
	BatchSize    int               `json:"batch_size" default:"32" validate:"gt=0"`
	LearningRate float64           `json:"learning_rate" default:"0.001" validate:"gt=0"`
	TrainRatio   float64           `json:"train_ratio" default:"0.8" validate:"gt=0,lte=1"`
	LogEvery     int               `json:"log_every" default:"5" validate:"gt=0"`
	Seed         int64             `json:"seed" default:"42"`
	Workers      int               `json:"workers" default:"4" validate:"gt=0,lte=256"`
	OutputSize   market.OutputSize `json:"output_size" default:"full" validate:"oneof=compact full"`
}

// Normalize fills defaults and validates.
func (o *Options) Normalize() error {
	if err := defaults.Set(o); err != nil {
		return fmt.Errorf("apply training defaults: %w", err)
	}
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid training options: %w", err)
	}
	return nil
}

// Architecture derives the network shape.
func (o Options) Architecture() model.Architecture {
	return model.Architecture{
		InputDim:  1,
		HiddenDim: o.HiddenDim,
		NumLayers: o.NumLayers,
		OutputDim: 1,
		Lookback:  o.Lookback,
	}
}
