package simulate_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sentinelwatch/sentinel/signal"
	"github.com/sentinelwatch/sentinel/simulate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMarket = "0xb323495f7e4148be5643a4ea4a8221eef163e4bccfdedc2a6f4696baacbc86cc"

var (
	rangeStart = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	rangeEnd   = time.Date(2024, 4, 11, 0, 0, 0, 0, time.UTC)
	// transition is the instant borrow crosses the threshold.
	transition = time.Date(2024, 4, 7, 13, 37, 11, 0, time.UTC)
)

// timeSeriesFetcher scripts totalBorrowAssets as a function of time.
type timeSeriesFetcher struct {
	valueAt func(at time.Time) float64
	err     error
}

func (f *timeSeriesFetcher) State(_ context.Context, _ *signal.Expr, at *time.Time) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	if at == nil {
		return 0, errors.New("simulation must pin current reads")
	}
	return f.valueAt(*at), nil
}

func (f *timeSeriesFetcher) Events(_ context.Context, _ *signal.Expr, _, end time.Time) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.valueAt(end), nil
}

func thresholdDefinition(t *testing.T) *signal.StoredDefinition {
	t.Helper()
	stored, err := signal.Compile(&signal.Definition{
		Scope:  signal.Scope{Chains: []uint64{1}, Markets: []string{testMarket}},
		Window: "1d",
		Conditions: []signal.Condition{{
			Type:     signal.ConditionThreshold,
			Metric:   "Morpho.Market.totalBorrowAssets",
			Operator: ">",
			Value:    1000000,
		}},
	})
	require.NoError(t, err)
	return stored
}

func stepFetcher() *timeSeriesFetcher {
	return &timeSeriesFetcher{valueAt: func(at time.Time) float64 {
		if at.Before(transition) {
			return 400000
		}
		return 2000000
	}}
}

func TestAt_PinsCurrentReads(t *testing.T) {
	sim := simulate.New(stepFetcher())
	stored := thresholdDefinition(t)

	res, err := sim.At(context.Background(), "sig-1", stored, rangeEnd)
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.True(t, res.Conclusive)
	require.NotNil(t, res.LeftValue)
	require.NotNil(t, res.RightValue)
	assert.Equal(t, 2000000.0, *res.LeftValue)
	assert.Equal(t, 1000000.0, *res.RightValue)

	res, err = sim.At(context.Background(), "sig-1", stored, rangeStart)
	require.NoError(t, err)
	assert.False(t, res.Triggered)
	assert.Equal(t, 400000.0, *res.LeftValue)
}

func TestAt_FetchErrorIsInconclusive(t *testing.T) {
	sim := simulate.New(&timeSeriesFetcher{err: errors.New("rpc down")})
	res, err := sim.At(context.Background(), "sig-1", thresholdDefinition(t), rangeEnd)
	require.NoError(t, err)
	assert.False(t, res.Triggered)
	assert.False(t, res.Conclusive)
	assert.Contains(t, res.Error, "rpc down")
}

func TestSweep_StepsAcrossRange(t *testing.T) {
	sim := simulate.New(stepFetcher())
	results, err := sim.Sweep(context.Background(), "sig-1", thresholdDefinition(t),
		rangeStart, rangeStart.Add(4*time.Hour), time.Hour)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, res := range results {
		assert.True(t, res.EvaluatedAt.Equal(rangeStart.Add(time.Duration(i)*time.Hour)))
		assert.False(t, res.Triggered)
	}
}

func TestSweep_CapsSteps(t *testing.T) {
	sim := simulate.New(stepFetcher(), simulate.WithMaxSweepSteps(10))
	_, err := sim.Sweep(context.Background(), "sig-1", thresholdDefinition(t),
		rangeStart, rangeEnd, time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit is 10")
}

func TestFirstTrigger_FindsTransition(t *testing.T) {
	sim := simulate.New(stepFetcher())
	precision := time.Minute

	res, err := sim.FirstTrigger(context.Background(), "sig-1", thresholdDefinition(t),
		rangeStart, rangeEnd, precision)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Triggered)
	// The found instant triggers and sits within precision of the
	// actual transition.
	assert.False(t, res.EvaluatedAt.Before(transition))
	assert.LessOrEqual(t, res.EvaluatedAt.Sub(transition), precision)
}

func TestFirstTrigger_NeverTriggers(t *testing.T) {
	quiet := &timeSeriesFetcher{valueAt: func(time.Time) float64 { return 100 }}
	sim := simulate.New(quiet)

	res, err := sim.FirstTrigger(context.Background(), "sig-1", thresholdDefinition(t),
		rangeStart, rangeEnd, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestFirstTrigger_AlreadyTriggeredAtStart(t *testing.T) {
	loud := &timeSeriesFetcher{valueAt: func(time.Time) float64 { return 5000000 }}
	sim := simulate.New(loud)

	res, err := sim.FirstTrigger(context.Background(), "sig-1", thresholdDefinition(t),
		rangeStart, rangeEnd, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.EvaluatedAt.Equal(rangeStart))
}

func TestFirstTrigger_InconclusiveEndpointFails(t *testing.T) {
	sim := simulate.New(&timeSeriesFetcher{err: errors.New("index down")})
	_, err := sim.FirstTrigger(context.Background(), "sig-1", thresholdDefinition(t),
		rangeStart, rangeEnd, time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inconclusive")
}
