package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/xtxerr/barstore/internal/errors"
	"github.com/xtxerr/barstore/internal/storage/types"
)

func TestResolveKnownSeries(t *testing.T) {
	for _, id := range []types.SeriesID{"bitcoin", "nasdaq", "snp", "dow_jones", "oil", "gold", "cpi"} {
		e, err := Resolve(id)
		require.NoError(t, err, id)
		assert.Equal(t, id, e.ID)
	}
}

func TestResolveUnknown(t *testing.T) {
	_, err := Resolve("ethereum")
	require.Error(t, err)
	assert.True(t, errs.IsUnknownSeries(err))
}

func TestBitcoinIsIntraday(t *testing.T) {
	e, err := Resolve(types.Bitcoin)
	require.NoError(t, err)
	assert.Equal(t, types.Intraday, e.Granularity)
	assert.Equal(t, time.Minute, e.Resolution)
	assert.Equal(t, types.SchemaOHLC, e.Schema)
}

func TestMetadataSeries(t *testing.T) {
	e, err := Resolve("gold_trading_metadata")
	require.NoError(t, err)
	assert.Equal(t, types.Daily, e.Granularity)
	assert.Equal(t, types.SchemaMetadata, e.Schema)
	assert.Equal(t, types.Gold, e.Asset)
	assert.ElementsMatch(t, []types.Field{types.FieldOutstandingSupply, types.FieldTradingVolume}, e.Positive())
}

func TestCPIIsScalar(t *testing.T) {
	e, err := Resolve(types.CPI)
	require.NoError(t, err)
	assert.Equal(t, types.SchemaScalar, e.Schema)
	assert.Empty(t, e.Positive())
}

func TestColumns(t *testing.T) {
	e, _ := Resolve(types.Gold)
	cols := e.Columns()
	require.Len(t, cols, 5)
	assert.Equal(t, Column{Name: "date", Type: "date"}, cols[0])
	assert.Equal(t, "close", cols[4].Name)
	assert.True(t, cols[4].Nullable)

	b, _ := Resolve(types.Bitcoin)
	assert.Equal(t, "timestamp", b.Columns()[0].Name)
}

func TestAllSorted(t *testing.T) {
	ids := IDs()
	assert.Len(t, ids, 13)
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i])
	}
}
