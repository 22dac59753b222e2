package scanning

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/anstrom/edgeprobe/internal/logging"
)

const (
	minRecordFields = 6
	maxLineBytes    = 1024 * 1024
)

// DecodeStats summarises one decoding pass.
type DecodeStats struct {
	Valid   int  `json:"valid"`
	Skipped int  `json:"skipped"`
	Errors  int  `json:"errors"`
	Missing bool `json:"missing,omitempty"`
}

// Decode parses tool output from r. Empty lines and header lines are
// skipped; short or non-numeric lines are counted as errors. Decoding never
// fails on content; a read error ends decoding with whatever was parsed.
func Decode(r io.Reader) ([]Record, DecodeStats) {
	var (
		records []Record
		stats   DecodeStats
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || isHeader(line) {
			stats.Skipped++
			continue
		}

		rec, ok := parseRecord(line)
		if !ok {
			stats.Errors++
			continue
		}
		records = append(records, rec)
		stats.Valid++
	}
	if scanner.Err() != nil {
		stats.Errors++
	}

	return records, stats
}

// DecodeFile decodes the result file at path. A missing or empty file
// yields no records and a warning; other open errors are returned.
func DecodeFile(path string, logger *logging.Logger) ([]Record, DecodeStats, error) {
	if logger == nil {
		logger = logging.Default()
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("Result file not found", "path", path)
			return nil, DecodeStats{Missing: true}, nil
		}
		return nil, DecodeStats{}, err
	}
	defer func() { _ = f.Close() }()

	records, stats := Decode(f)
	if stats.Valid == 0 && stats.Errors == 0 && stats.Skipped == 0 {
		logger.Warn("Result file is empty", "path", path)
	}
	logger.Info("Parsed result file",
		"path", path,
		"valid", stats.Valid,
		"errors", stats.Errors,
		"skipped", stats.Skipped)

	return records, stats, nil
}

func isHeader(line string) bool {
	return strings.Contains(line, "IP") && strings.Contains(line, "Latency")
}

func parseRecord(line string) (Record, bool) {
	fields := strings.Split(line, ",")
	if len(fields) < minRecordFields {
		return Record{}, false
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if fields[0] == "" {
		return Record{}, false
	}

	sent, err := strconv.Atoi(fields[1])
	if err != nil {
		return Record{}, false
	}
	received, err := strconv.Atoi(fields[2])
	if err != nil {
		return Record{}, false
	}
	loss, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return Record{}, false
	}
	latency, err := strconv.ParseFloat(fields[4], 64)
	if err != nil {
		return Record{}, false
	}
	speed, err := strconv.ParseFloat(fields[5], 64)
	if err != nil {
		return Record{}, false
	}

	rec := Record{
		Address:         fields[0],
		PacketsSent:     sent,
		PacketsReceived: received,
		LossRate:        loss,
		LatencyMs:       latency,
		DownloadSpeed:   speed,
	}
	if len(fields) > minRecordFields {
		rec.Colo = fields[minRecordFields]
	}
	return rec, true
}
