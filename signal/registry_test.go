package signal

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupMetric(t *testing.T) {
	m, err := LookupMetric("Morpho.Market.totalBorrowAssets")
	require.NoError(t, err)
	assert.Equal(t, KindState, m.Kind)
	assert.Equal(t, EntityMarket, m.Entity)
	assert.Equal(t, "totalBorrowAssets", m.Field)

	m, err = LookupMetric("Morpho.Position.borrowShares")
	require.NoError(t, err)
	assert.Equal(t, EntityPosition, m.Entity)

	_, err = LookupMetric("Morpho.Market.doesNotExist")
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Msg, "unknown metric")
}

func TestLookupMetric_Computed(t *testing.T) {
	m, err := LookupMetric("Morpho.Market.utilization")
	require.NoError(t, err)
	assert.Equal(t, KindComputed, m.Kind)
	assert.Equal(t, OpDiv, m.Op)
	assert.Equal(t, "Morpho.Market.totalBorrowAssets", m.Operands[0])
	assert.Equal(t, "Morpho.Market.totalSupplyAssets", m.Operands[1])
}

func TestLookupMetric_Events(t *testing.T) {
	m, err := LookupMetric("Morpho.Event.Liquidate.count")
	require.NoError(t, err)
	assert.Equal(t, KindEvent, m.Kind)
	assert.Equal(t, "Liquidate", m.EventType)
	assert.Equal(t, AggCount, m.Aggregation)

	m, err = LookupMetric("Morpho.Flow.netSupply")
	require.NoError(t, err)
	assert.Equal(t, KindChainedEvent, m.Kind)
	assert.Equal(t, OpSub, m.Op)
	assert.Equal(t, "Morpho.Event.Supply.assets", m.Operands[0])
	assert.Equal(t, "Morpho.Event.Withdraw.assets", m.Operands[1])
}

func TestMetricNames_SortedAndComplete(t *testing.T) {
	names := MetricNames()
	require.NotEmpty(t, names)
	assert.True(t, sort.StringsAreSorted(names))
	assert.Contains(t, names, "Morpho.Market.utilization")
	assert.Contains(t, names, "Morpho.Flow.netBorrow")
	for _, name := range names {
		_, err := LookupMetric(name)
		require.NoError(t, err)
	}
}

func TestMetricEntity(t *testing.T) {
	m, err := LookupMetric("Morpho.Market.utilization")
	require.NoError(t, err)
	entity, ok := MetricEntity(m)
	require.True(t, ok)
	assert.Equal(t, EntityMarket, entity)

	m, err = LookupMetric("Morpho.Event.Supply.assets")
	require.NoError(t, err)
	_, ok = MetricEntity(m)
	assert.False(t, ok)
}
