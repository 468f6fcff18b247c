package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "1s", want: 1000},
		{in: "30s", want: 30 * 1000},
		{in: "1m", want: 60 * 1000},
		{in: "45m", want: 45 * 60 * 1000},
		{in: "1h", want: 3600 * 1000},
		{in: "12h", want: 12 * 3600 * 1000},
		{in: "1d", want: 86400 * 1000},
		{in: "2w", want: 2 * 7 * 86400 * 1000},
		{in: "", wantErr: true},
		{in: "0s", wantErr: true},
		{in: "01h", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "5", wantErr: true},
		{in: "5y", wantErr: true},
		{in: "1h30m", wantErr: true},
		{in: " 1h", wantErr: true},
		{in: "1 h", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatDuration_RoundTrip(t *testing.T) {
	// Canonical strings survive a parse/format round trip unchanged.
	for _, s := range []string{"1s", "59s", "1m", "59m", "90m", "1h", "23h", "36h", "1d", "6d", "1w", "52w"} {
		ms, err := ParseDuration(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, FormatDuration(ms), "round trip of %s", s)
	}
}

func TestFormatDuration_PicksLargestUnit(t *testing.T) {
	assert.Equal(t, "1m", FormatDuration(60*1000))
	assert.Equal(t, "1h", FormatDuration(3600*1000))
	assert.Equal(t, "1d", FormatDuration(86400*1000))
	assert.Equal(t, "1w", FormatDuration(7*86400*1000))
	assert.Equal(t, "25h", FormatDuration(25*3600*1000))
}

func TestWindowDuration(t *testing.T) {
	d, err := WindowDuration("30m")
	require.NoError(t, err)
	assert.Equal(t, "30m0s", d.String())

	_, err = WindowDuration("month")
	require.Error(t, err)
}

func TestMustParseDuration_Panics(t *testing.T) {
	assert.Panics(t, func() { MustParseDuration("bogus") })
}
