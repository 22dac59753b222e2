package scanning

import (
	"strconv"
)

// Command is a fully resolved tool invocation.
type Command struct {
	Binary  string
	Args    []string
	WorkDir string
}

// ArgOption adds optional flags to a built argument list.
type ArgOption func(p Params, args []string) []string

// WithThresholds embeds the qualifying thresholds so the tool itself drops
// endpoints outside them.
func WithThresholds() ArgOption {
	return func(p Params, args []string) []string {
		return append(args,
			"-tl", formatFloat(p.Thresholds.MaxLatency),
			"-tlr", formatFloat(p.Thresholds.MaxLoss),
			"-sl", formatFloat(p.Thresholds.MinSpeed),
		)
	}
}

// WithAllIPs asks the tool to test every address in the input file rather
// than sampling each range.
func WithAllIPs() ArgOption {
	return func(_ Params, args []string) []string {
		return append(args, "-allip")
	}
}

// BuildArgs renders p into the tool's command line.
func BuildArgs(input, output string, p Params, opts ...ArgOption) []string {
	args := []string{
		"-f", input,
		"-o", output,
		"-n", strconv.Itoa(p.Threads),
		"-url", p.URL,
		"-t", strconv.Itoa(p.PingTimes),
		"-dn", strconv.Itoa(p.TestCount),
		"-dt", strconv.Itoa(p.DownloadTimeout),
		"-tp", strconv.Itoa(p.Port),
	}

	for _, opt := range opts {
		args = opt(p, args)
	}

	if p.HTTPing {
		args = append(args, "-httping")
		if p.HTTPingCode > 0 {
			args = append(args, "-httping-code", strconv.Itoa(p.HTTPingCode))
		}
	} else {
		args = append(args, "-p", "0")
	}

	return args
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
