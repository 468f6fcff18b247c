package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRPCFlags(t *testing.T) {
	out, err := parseRPCFlags([]string{
		"1=https://eth.example.com",
		"8453=https://base.example.com",
		"1=https://eth-fallback.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://eth.example.com",
		"https://eth-fallback.example.com",
	}, out[1])
	assert.Equal(t, []string{"https://base.example.com"}, out[8453])
}

func TestParseRPCFlags_Malformed(t *testing.T) {
	for _, v := range []string{"no-separator", "1=", "eth=https://x"} {
		_, err := parseRPCFlags([]string{v})
		require.Error(t, err, v)
	}
}
