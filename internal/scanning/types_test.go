package scanning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThresholdsPasses(t *testing.T) {
	th := Thresholds{MinSpeed: 10, MaxLoss: 0.25, MaxLatency: 1000}

	tests := []struct {
		name string
		rec  Record
		want bool
	}{
		{"all within", Record{DownloadSpeed: 12, LossRate: 0.1, LatencyMs: 200}, true},
		{"boundaries pass", Record{DownloadSpeed: 10, LossRate: 0.25, LatencyMs: 1000}, true},
		{"too slow", Record{DownloadSpeed: 9.99, LossRate: 0, LatencyMs: 100}, false},
		{"too lossy", Record{DownloadSpeed: 50, LossRate: 0.26, LatencyMs: 100}, false},
		{"too far", Record{DownloadSpeed: 50, LossRate: 0, LatencyMs: 1000.1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, th.Passes(tt.rec))
		})
	}
}

func TestThresholdsFilter(t *testing.T) {
	th := Thresholds{MinSpeed: 5, MaxLoss: 0.5, MaxLatency: 500}
	records := []Record{
		{Address: "a", DownloadSpeed: 6, LossRate: 0, LatencyMs: 100},
		{Address: "b", DownloadSpeed: 1, LossRate: 0, LatencyMs: 100},
		{Address: "c", DownloadSpeed: 6, LossRate: 0.5, LatencyMs: 500},
	}

	got := th.Filter(records)
	assert.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Address)
	assert.Equal(t, "c", got[1].Address)
	assert.Empty(t, th.Filter(nil))
}

func TestParamsWithOverrides(t *testing.T) {
	base := Params{
		Threads:         300,
		PingTimes:       4,
		TestCount:       50,
		DownloadTimeout: 15,
		Port:            443,
		URL:             "https://speed.cloudflare.com/__down?bytes=52428800",
		Thresholds:      Thresholds{MinSpeed: 10, MaxLoss: 0.25, MaxLatency: 1000},
	}

	threads := 50
	minSpeed := 2.5
	url := "https://example.com/file"
	derived := base.WithOverrides(Overrides{Threads: &threads, MinSpeed: &minSpeed, URL: &url})

	assert.Equal(t, 50, derived.Threads)
	assert.Equal(t, 2.5, derived.Thresholds.MinSpeed)
	assert.Equal(t, url, derived.URL)
	assert.Equal(t, 0.25, derived.Thresholds.MaxLoss)

	assert.Equal(t, 300, base.Threads, "base must not change")
	assert.Equal(t, 10.0, base.Thresholds.MinSpeed, "base must not change")

	assert.Equal(t, base, base.WithOverrides(Overrides{}))
}

func TestHostRange(t *testing.T) {
	tests := map[string]string{
		"1.1.1.1":        "1.1.1.1/32",
		" 104.16.0.1 ":   "104.16.0.1/32",
		"2606:4700::6":   "2606:4700::6/128",
		"10.0.0.0/8":     "10.0.0.0/8",
		"2400:cb00::/32": "2400:cb00::/32",
		"not-an-ip":      "not-an-ip/32",
	}
	for in, want := range tests {
		assert.Equal(t, want, HostRange(in), in)
	}
}

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress(" 2606:4700:0000::0006 ")
	require.NoError(t, err)
	assert.Equal(t, "2606:4700::6", got)

	got, err = NormalizeAddress("104.16.0.1")
	require.NoError(t, err)
	assert.Equal(t, "104.16.0.1", got)

	_, err = NormalizeAddress("")
	assert.ErrorContains(t, err, "not provided")
	_, err = NormalizeAddress("104.16.0.0/24")
	assert.ErrorContains(t, err, "invalid address")
}
