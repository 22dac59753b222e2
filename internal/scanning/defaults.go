package scanning

// DefaultSpeedTestURL is the 50 MB download used for throughput tests.
const DefaultSpeedTestURL = "https://speed.cloudflare.com/__down?bytes=52428800"

// DefaultIPv4Ranges are the published Cloudflare IPv4 prefixes.
var DefaultIPv4Ranges = []string{
	"173.245.48.0/20",
	"103.21.244.0/22",
	"103.22.200.0/22",
	"103.31.4.0/22",
	"141.101.64.0/18",
	"108.162.192.0/18",
	"190.93.240.0/20",
	"188.114.96.0/20",
	"197.234.240.0/22",
	"198.41.128.0/17",
	"162.158.0.0/15",
	"104.16.0.0/13",
	"104.24.0.0/14",
	"172.64.0.0/13",
	"131.0.72.0/22",
}

// DefaultIPv6Ranges are the published Cloudflare IPv6 prefixes.
var DefaultIPv6Ranges = []string{
	"2400:cb00::/32",
	"2606:4700::/32",
	"2803:f800::/32",
	"2405:b500::/32",
	"2405:8100::/32",
	"2a06:98c0::/29",
	"2c0f:f248::/32",
}

// DefaultRanges returns a fresh copy of the IPv4 prefixes, followed by the
// IPv6 prefixes when includeIPv6 is set.
func DefaultRanges(includeIPv6 bool) []string {
	ranges := append([]string(nil), DefaultIPv4Ranges...)
	if includeIPv6 {
		ranges = append(ranges, DefaultIPv6Ranges...)
	}
	return ranges
}

// DefaultDiscoveryParams are the knobs for a full discovery scan.
func DefaultDiscoveryParams() Params {
	return Params{
		Threads:         300,
		PingTimes:       4,
		TestCount:       50,
		DownloadTimeout: 15,
		Port:            443,
		URL:             DefaultSpeedTestURL,
		Thresholds: Thresholds{
			MinSpeed:   10,
			MaxLoss:    0.25,
			MaxLatency: 1000,
		},
	}
}

// DefaultMonitorParams are the knobs for periodic re-tests. TestCount is
// replaced per batch.
func DefaultMonitorParams() Params {
	return Params{
		Threads:         100,
		PingTimes:       4,
		DownloadTimeout: 10,
		Port:            443,
		URL:             DefaultSpeedTestURL,
		Thresholds: Thresholds{
			MaxLoss:    1,
			MaxLatency: 9999,
		},
	}
}
