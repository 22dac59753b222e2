// Package liveness decides when an endpoint has stopped delivering
// throughput and should be taken out of rotation.
package liveness

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Mode selects how the evidence window is measured.
type Mode string

const (
	// ModeTests looks at the most recent K tests.
	ModeTests Mode = "tests"
	// ModeHours looks at every test in the last H hours.
	ModeHours Mode = "hours"
)

// Window is the evidence window used to judge an endpoint.
type Window struct {
	Mode  Mode `yaml:"mode" json:"mode" validate:"oneof=tests hours"`
	Value int  `yaml:"value" json:"value" validate:"gte=1"`
}

// ParseWindow parses "tests=5" or "hours=24".
func ParseWindow(s string) (Window, error) {
	mode, value, ok := strings.Cut(strings.TrimSpace(s), "=")
	if !ok {
		return Window{}, fmt.Errorf("invalid window %q: expected mode=value", s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return Window{}, fmt.Errorf("invalid window value %q: %w", value, err)
	}
	w := Window{Mode: Mode(strings.ToLower(strings.TrimSpace(mode))), Value: n}
	return w, w.Validate()
}

// Validate checks the window.
func (w Window) Validate() error {
	if w.Mode != ModeTests && w.Mode != ModeHours {
		return fmt.Errorf("invalid window mode %q: must be tests or hours", w.Mode)
	}
	if w.Value < 1 {
		return fmt.Errorf("window value must be at least 1, got %d", w.Value)
	}
	return nil
}

// String implements fmt.Stringer.
func (w Window) String() string {
	return fmt.Sprintf("%s=%d", w.Mode, w.Value)
}

// Since returns the earliest test time inside an hours window.
func (w Window) Since(now time.Time) time.Time {
	return now.Add(-time.Duration(w.Value) * time.Hour)
}

// Sample is one test result as seen by the policy. A nil speed means the
// test recorded no throughput.
type Sample struct {
	EndpointID int64
	TestedAt   time.Time
	Speed      *float64
}

func (s Sample) positive() bool {
	return s.Speed != nil && *s.Speed > 0
}

// IsDead judges one endpoint's samples. Samples may arrive in any order.
//
// For a tests=K window the K most recent samples are considered and the
// endpoint is dead only if there are at least K of them and none shows
// positive throughput. For an hours=H window only samples newer than now-H
// count; the endpoint is dead if at least one such sample exists and none
// shows positive throughput.
func (w Window) IsDead(samples []Sample, now time.Time) bool {
	var window []Sample
	switch w.Mode {
	case ModeTests:
		if len(samples) < w.Value {
			return false
		}
		sorted := make([]Sample, len(samples))
		copy(sorted, samples)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TestedAt.After(sorted[j].TestedAt) })
		window = sorted[:w.Value]
	case ModeHours:
		since := w.Since(now)
		for _, s := range samples {
			if !s.TestedAt.Before(since) {
				window = append(window, s)
			}
		}
	default:
		return false
	}

	if len(window) == 0 {
		return false
	}
	for _, s := range window {
		if s.positive() {
			return false
		}
	}
	return true
}

// DeadEndpoints groups samples by endpoint and returns the IDs judged dead,
// in ascending order.
func (w Window) DeadEndpoints(samples []Sample, now time.Time) []int64 {
	byEndpoint := make(map[int64][]Sample)
	for _, s := range samples {
		byEndpoint[s.EndpointID] = append(byEndpoint[s.EndpointID], s)
	}

	dead := make([]int64, 0)
	for id, group := range byEndpoint {
		if w.IsDead(group, now) {
			dead = append(dead, id)
		}
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i] < dead[j] })
	return dead
}
