package params

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Defaults(t *testing.T) {
	r := NewRegistry()

	mainnet, err := r.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "mainnet", mainnet.Name)
	assert.Equal(t, int64(1438269973), mainnet.GenesisTime)
	assert.Equal(t, float64(12), mainnet.AvgBlockTime)
	assert.Equal(t, MorphoBlueAddress, mainnet.MorphoAddress)

	base, err := r.Get(8453)
	require.NoError(t, err)
	assert.Equal(t, float64(2), base.AvgBlockTime)

	_, err = r.Get(42161)
	require.Error(t, err)

	assert.Equal(t, []uint64{1, 8453}, r.ChainIDs())
}

func TestRegistry_LoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	doc := `
chains:
  - id: 1
    endpoints:
      - https://eth.example.com/rpc
      - https://eth-fallback.example.com/rpc
  - id: 10
    name: optimism
    genesis_time: 1636665386
    avg_block_time: 2
    endpoints:
      - https://op.example.com/rpc
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	r := NewRegistry()
	require.NoError(t, r.LoadFile(path))

	mainnet, err := r.Get(1)
	require.NoError(t, err)
	require.Len(t, mainnet.Endpoints, 2)
	assert.Equal(t, "https://eth.example.com/rpc", mainnet.Endpoints[0])
	// Untouched fields keep their defaults.
	assert.Equal(t, int64(1438269973), mainnet.GenesisTime)

	op, err := r.Get(10)
	require.NoError(t, err)
	assert.Equal(t, "optimism", op.Name)
	assert.Equal(t, MorphoBlueAddress, op.MorphoAddress)
}

func TestRegistry_LoadFile_MissingEstimationParams(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	doc := `
chains:
  - id: 137
    name: polygon
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	r := NewRegistry()
	err := r.LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "genesis_time")
}

func TestRegistry_SetEndpoints(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.SetEndpoints(1, []string{"http://localhost:8545"}))

	mainnet, err := r.Get(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://localhost:8545"}, mainnet.Endpoints)

	require.Error(t, r.SetEndpoints(555, []string{"http://localhost:8545"}))
}
