// Package export renders endpoint lists in the formats offered by the API
// and CLI.
package export

import (
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/anstrom/edgeprobe/internal/db"
)

// Format is an output encoding.
type Format string

// Supported formats.
const (
	FormatText Format = "txt"
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatXML  Format = "xml"
)

var csvHeader = []string{
	"address", "colo", "avg_latency_ms", "avg_download_speed_mbps", "avg_loss_rate",
	"best_download_speed_mbps", "total_tests", "last_tested",
}

// ParseFormat accepts a format name case-insensitively. An empty name is text.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case "":
		return FormatText, nil
	case FormatText, FormatCSV, FormatJSON, FormatXML:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported export format %q (want txt, csv, json or xml)", name)
	}
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatJSON:
		return "application/json"
	case FormatXML:
		return "application/xml"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Filename returns a download name for an export taken at t.
func (f Format) Filename(t time.Time) string {
	return fmt.Sprintf("edgeprobe-endpoints-%s.%s", t.UTC().Format("20060102-150405"), f)
}

// Write encodes endpoints to w in the requested format.
func Write(w io.Writer, f Format, endpoints []*db.Endpoint) error {
	switch f {
	case FormatText, "":
		return writeText(w, endpoints)
	case FormatCSV:
		return writeCSV(w, endpoints)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if endpoints == nil {
			endpoints = []*db.Endpoint{}
		}
		return enc.Encode(endpoints)
	case FormatXML:
		return writeXML(w, endpoints)
	default:
		return fmt.Errorf("unsupported export format %q", f)
	}
}

func writeText(w io.Writer, endpoints []*db.Endpoint) error {
	for _, e := range endpoints {
		if _, err := fmt.Fprintln(w, e.Address); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(w io.Writer, endpoints []*db.Endpoint) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range endpoints {
		lastTested := ""
		if e.LastTested != nil {
			lastTested = e.LastTested.UTC().Format(time.RFC3339)
		}
		row := []string{
			e.Address,
			deref(e.Colo),
			formatFloat(e.AvgLatency),
			formatFloat(e.AvgDownloadSpeed),
			formatFloat(e.AvgLossRate),
			formatFloat(e.BestDownloadSpeed),
			strconv.Itoa(e.TotalTests),
			lastTested,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// endpointsXML is the root element of an XML export.
type endpointsXML struct {
	XMLName     xml.Name      `xml:"endpoints"`
	GeneratedAt string        `xml:"generated_at,attr"`
	Count       int           `xml:"count,attr"`
	Endpoints   []endpointXML `xml:"endpoint"`
}

type endpointXML struct {
	Address          string   `xml:"address"`
	Colo             string   `xml:"colo,omitempty"`
	AvgLatency       *float64 `xml:"avg_latency,omitempty"`
	AvgDownloadSpeed *float64 `xml:"avg_download_speed,omitempty"`
	AvgLossRate      *float64 `xml:"avg_loss_rate,omitempty"`
	TotalTests       int      `xml:"total_tests"`
	LastTested       string   `xml:"last_tested,omitempty"`
}

func writeXML(w io.Writer, endpoints []*db.Endpoint) error {
	doc := endpointsXML{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Count:       len(endpoints),
		Endpoints:   make([]endpointXML, len(endpoints)),
	}
	for i, e := range endpoints {
		x := endpointXML{
			Address:          e.Address,
			Colo:             deref(e.Colo),
			AvgLatency:       e.AvgLatency,
			AvgDownloadSpeed: e.AvgDownloadSpeed,
			AvgLossRate:      e.AvgLossRate,
			TotalTests:       e.TotalTests,
		}
		if e.LastTested != nil {
			x.LastTested = e.LastTested.UTC().Format(time.RFC3339)
		}
		doc.Endpoints[i] = x
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("write XML header: %w", err)
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode XML: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
