package scanning

import (
	"fmt"
	"net/netip"
	"strings"
)

// Test types recorded alongside every persisted measurement.
const (
	TestTypeInitialScan = "initial_scan"
	TestTypePeriodic    = "periodic"
	TestTypeManual      = "manual"
)

// Record is one line of tool output: a single endpoint measurement.
type Record struct {
	Address         string  `json:"ip"`
	PacketsSent     int     `json:"packets_sent"`
	PacketsReceived int     `json:"packets_received"`
	LossRate        float64 `json:"loss_rate"`
	LatencyMs       float64 `json:"latency_ms"`
	DownloadSpeed   float64 `json:"download_speed_mbps"`
	Colo            string  `json:"colo,omitempty"`
}

// Thresholds are the qualifying limits a discovery result must satisfy.
type Thresholds struct {
	MinSpeed   float64 `yaml:"min_speed" json:"min_speed" validate:"gte=0"`
	MaxLoss    float64 `yaml:"max_loss" json:"max_loss" validate:"gte=0,lte=1"`
	MaxLatency float64 `yaml:"max_latency" json:"max_latency" validate:"gt=0"`
}

// Passes reports whether r meets all three thresholds. Equality passes.
func (t Thresholds) Passes(r Record) bool {
	return r.DownloadSpeed >= t.MinSpeed &&
		r.LossRate <= t.MaxLoss &&
		r.LatencyMs <= t.MaxLatency
}

// Filter returns the records that pass the thresholds, preserving order.
func (t Thresholds) Filter(records []Record) []Record {
	passed := make([]Record, 0, len(records))
	for _, r := range records {
		if t.Passes(r) {
			passed = append(passed, r)
		}
	}
	return passed
}

// Params describes one invocation of the measurement tool. It is a value
// type; use WithOverrides to derive a modified copy.
type Params struct {
	Threads         int        `yaml:"threads" json:"threads" validate:"gte=1,lte=1000"`
	PingTimes       int        `yaml:"ping_times" json:"ping_times" validate:"gte=1,lte=100"`
	TestCount       int        `yaml:"test_count" json:"test_count" validate:"gte=0"`
	DownloadTimeout int        `yaml:"download_timeout" json:"download_timeout" validate:"gte=1"`
	Port            int        `yaml:"port" json:"port" validate:"gte=1,lte=65535"`
	URL             string     `yaml:"url" json:"url" validate:"required,url"`
	HTTPing         bool       `yaml:"httping" json:"httping"`
	HTTPingCode     int        `yaml:"httping_code" json:"httping_code" validate:"gte=0,lte=599"`
	Thresholds      Thresholds `yaml:"thresholds" json:"thresholds"`
}

// Overrides carries optional replacements for Params fields. Nil fields
// keep the base value.
type Overrides struct {
	Threads         *int     `json:"threads,omitempty" validate:"omitempty,gte=1,lte=1000"`
	PingTimes       *int     `json:"ping_times,omitempty" validate:"omitempty,gte=1,lte=100"`
	TestCount       *int     `json:"test_count,omitempty" validate:"omitempty,gte=0"`
	DownloadTimeout *int     `json:"download_timeout,omitempty" validate:"omitempty,gte=1"`
	Port            *int     `json:"port,omitempty" validate:"omitempty,gte=1,lte=65535"`
	URL             *string  `json:"url,omitempty" validate:"omitempty,url"`
	MinSpeed        *float64 `json:"min_speed,omitempty" validate:"omitempty,gte=0"`
	MaxLoss         *float64 `json:"max_loss,omitempty" validate:"omitempty,gte=0,lte=1"`
	MaxLatency      *float64 `json:"max_latency,omitempty" validate:"omitempty,gt=0"`
}

// WithOverrides returns a copy of p with every non-nil override applied.
func (p Params) WithOverrides(o Overrides) Params {
	if o.Threads != nil {
		p.Threads = *o.Threads
	}
	if o.PingTimes != nil {
		p.PingTimes = *o.PingTimes
	}
	if o.TestCount != nil {
		p.TestCount = *o.TestCount
	}
	if o.DownloadTimeout != nil {
		p.DownloadTimeout = *o.DownloadTimeout
	}
	if o.Port != nil {
		p.Port = *o.Port
	}
	if o.URL != nil {
		p.URL = *o.URL
	}
	if o.MinSpeed != nil {
		p.Thresholds.MinSpeed = *o.MinSpeed
	}
	if o.MaxLoss != nil {
		p.Thresholds.MaxLoss = *o.MaxLoss
	}
	if o.MaxLatency != nil {
		p.Thresholds.MaxLatency = *o.MaxLatency
	}
	return p
}

// HostRange pins a single address to a one-host CIDR (/32 or /128).
// Values that already carry a prefix are returned unchanged.
func HostRange(address string) string {
	address = strings.TrimSpace(address)
	if strings.Contains(address, "/") {
		return address
	}
	addr, err := netip.ParseAddr(address)
	if err != nil {
		if strings.Contains(address, ":") {
			return address + "/128"
		}
		return address + "/32"
	}
	return netip.PrefixFrom(addr, addr.BitLen()).String()
}

// NormalizeAddress returns address in canonical textual form.
func NormalizeAddress(address string) (string, error) {
	raw := strings.TrimSpace(address)
	if raw == "" {
		return "", fmt.Errorf("address not provided")
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return "", fmt.Errorf("invalid address %q", raw)
	}
	return addr.String(), nil
}
