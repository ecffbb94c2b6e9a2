/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package telemetry holds the counters, event log, and exporters the
// Grandmaster Controller publishes its per-tick state through.
package telemetry

import (
	"encoding/json"
	"net/http"
	"sync"
)

// StatsServer is a generic named-counter sink.
type StatsServer interface {
	Reset()
	SetCounter(key string, val int64)
	UpdateCounterBy(key string, count int64)
}

// Stats is a mutex-guarded map of named counters, read by the status CLI
// and the Prometheus exporter.
type Stats struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewStats creates an empty Stats.
func NewStats() *Stats {
	return &Stats{counters: map[string]int64{}}
}

// UpdateCounterBy adds count to the named counter.
func (s *Stats) UpdateCounterBy(key string, count int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key] += count
}

// SetCounter sets the named counter to val.
func (s *Stats) SetCounter(key string, val int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key] = val
}

// Get returns a snapshot copy of all counters.
func (s *Stats) Get() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}

// Reset zeroes every counter.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.counters {
		s.counters[k] = 0
	}
}

// ServeHTTP renders the current counter snapshot as JSON, for operators
// who'd rather curl a human-readable endpoint than scrape Prometheus text.
func (s *Stats) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	js, err := json.Marshal(s.Get())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(js)
}
