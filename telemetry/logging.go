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

package telemetry

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// TickRecord is the per-tick structured record the Controller publishes.
type TickRecord struct {
	PPSSeq              uint64
	Dropout             bool
	ReferenceUTCNS      int64
	LocalClockNS        int64
	OffsetNS            float64
	DriftPPBRaw         float64
	DriftPPBFiltered    float64
	FrequencyBiasPPB    float64
	FrequencyTotalPPB   float64
	ServoMode           string
	EstimateReady       bool
	EstimateTrustworthy bool
	HealthFlags         uint32
	TAIOffsetS          int32
}

var header = []string{
	"pps_seq",
	"dropout",
	"reference_utc_ns",
	"local_clock_ns",
	"offset_ns",
	"drift_ppb_raw",
	"drift_ppb_filtered",
	"frequency_bias_ppb",
	"frequency_total_ppb",
	"servo_mode",
	"estimate_ready",
	"estimate_trustworthy",
	"health_flags",
	"tai_offset_s",
}

// CSVRecords renders the record as a row matching header.
func (r *TickRecord) CSVRecords() []string {
	return []string{
		strconv.FormatUint(r.PPSSeq, 10),
		strconv.FormatBool(r.Dropout),
		strconv.FormatInt(r.ReferenceUTCNS, 10),
		strconv.FormatInt(r.LocalClockNS, 10),
		strconv.FormatFloat(r.OffsetNS, 'f', -1, 64),
		strconv.FormatFloat(r.DriftPPBRaw, 'f', -1, 64),
		strconv.FormatFloat(r.DriftPPBFiltered, 'f', -1, 64),
		strconv.FormatFloat(r.FrequencyBiasPPB, 'f', -1, 64),
		strconv.FormatFloat(r.FrequencyTotalPPB, 'f', -1, 64),
		r.ServoMode,
		strconv.FormatBool(r.EstimateReady),
		strconv.FormatBool(r.EstimateTrustworthy),
		strconv.FormatUint(uint64(r.HealthFlags), 10),
		strconv.FormatInt(int64(r.TAIOffsetS), 10),
	}
}

// TickLogger stores TickRecords somewhere.
type TickLogger interface {
	Log(*TickRecord) error
}

// CSVTickLogger writes TickRecords as CSV rows to a writer.
type CSVTickLogger struct {
	w             *csv.Writer
	printedHeader bool
}

// NewCSVTickLogger wraps w in a buffered CSV writer.
func NewCSVTickLogger(w io.Writer) *CSVTickLogger {
	return &CSVTickLogger{w: csv.NewWriter(w)}
}

// Log implements TickLogger, writing the CSV header once on first use.
func (l *CSVTickLogger) Log(r *TickRecord) error {
	if !l.printedHeader {
		if err := l.w.Write(header); err != nil {
			return fmt.Errorf("writing csv header: %w", err)
		}
		l.printedHeader = true
	}
	if err := l.w.Write(r.CSVRecords()); err != nil {
		return fmt.Errorf("writing csv record: %w", err)
	}
	l.w.Flush()
	return l.w.Error()
}
