//go:build !cgo || (!ORT && !ALL)

package backends

import (
	"context"
	"errors"

	"github.com/knights-analytics/vlm/options"
)

type ORTModel struct {
	Destroy           func() error
	GenerativeSession disabledGenerativeSession // placeholder when ORT disabled
}

func createORTSession(_ *Model, _ *options.Options) (InferenceSession, error) {
	return nil, errors.New("ORT is not enabled")
}

func createORTGenerativeSession(_ *Model, _ *options.Options) error {
	return errors.New("ORT is not enabled")
}

func runGenerativeORTSession(_ context.Context, _ *Model, _ *Inputs, _ GenerationOptions) (chan SequenceDelta, chan error, error) {
	return nil, nil, errors.New("ORT is not enabled")
}

type disabledGenerativeSession struct{}

func (*disabledGenerativeSession) GetStatistics() disabledStatistics {
	return disabledStatistics{}
}

type disabledStatistics struct {
	AvgPrefillSeconds              float64
	TokensPerSecond                float64
	CumulativePrefillSum           float64
	CumulativePrefillCount         int
	CumulativeTokens               int
	CumulativeTokenDurationSeconds float64
}
