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

// Package refsource defines the Reference Provider contract: the source of
// PPS-edge ticks the grandmaster disciplines against. NMEA sentence parsing
// and serial I/O live behind this contract; the provider only ever hands the
// rest of the system an already-decoded Tick.
package refsource

import (
	"context"
	"time"
)

// Tick is one PPS edge as reported by a Reference Provider.
type Tick struct {
	PPSSeq                 uint64
	MonotonicCaptureNS     int64
	NMEAUTCSec             uint64
	NMEAArrivalMonotonicNS int64
	FixValid               bool
	// HasNMEA is false when no NMEA sentence could be associated with this
	// edge yet (NMEAUTCSec/NMEAArrivalMonotonicNS are not meaningful).
	HasNMEA bool
}

// Provider supplies PPS-edge ticks to the grandmaster controller.
type Provider interface {
	// NextTick blocks until the next PPS edge or deadline, whichever comes
	// first. A deadline in the past returns immediately with context.DeadlineExceeded.
	NextTick(ctx context.Context, deadline time.Time) (Tick, error)
	// Close releases the underlying device.
	Close() error
}

// SentenceReader is the seam between a serial transport and NMEA decoding.
// Decoding itself (parsing $GPRMC/$GPZDA sentences into a UTC second) is done
// by a Decoder; RMCZDADecoder in nmea.go is the implementation provided here.
type SentenceReader interface {
	// ReadSentence returns one raw NMEA line, without the trailing CRLF.
	ReadSentence() (string, error)
}

// Decoder turns a raw NMEA sentence into a UTC second and the monotonic time
// it arrived, or reports that the sentence carried no time-of-day fix.
type Decoder interface {
	Decode(sentence string, arrivalMonoNS int64) (utcSec uint64, arrivalMonoNSOut int64, fixValid bool, ok bool)
}
