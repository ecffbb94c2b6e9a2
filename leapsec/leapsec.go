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

// Package leapsec reads the leap-second table out of the system timezone
// database and answers "what is the current TAI-UTC offset" for the
// grandmaster controller and its telemetry. GPS receivers broadcast UTC;
// everything PTP-side is specified relative to TAI, so the controller uses
// this offset to annotate each tick's telemetry record.
package leapsec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

const tzifPath = "/usr/share/zoneinfo/right/UTC"

var (
	errBadData    = errors.New("leapsec: malformed time zone information")
	errBadVersion = errors.New("leapsec: unsupported tzif version")
)

// Event is a single leap-second insertion/deletion recorded in the tzif table.
type Event struct {
	Tleap uint64 // seconds since the Unix epoch, as counted by the right/UTC table (includes leap seconds)
	Nleap int32  // cumulative number of leap seconds in effect after this event (TAI-UTC minus 10 s)
}

// Time returns the UTC instant the leap second takes effect.
func (e Event) Time() time.Time {
	return time.Unix(int64(e.Tleap-uint64(e.Nleap)+1), 0)
}

// Table is a parsed, queryable leap-second history.
type Table struct {
	events []Event
}

// Load parses the leap-second table out of the system's right/UTC tzdata file.
func Load() (*Table, error) {
	f, err := os.Open(tzifPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", tzifPath, err)
	}
	defer f.Close()
	return parse(f)
}

// OffsetAt returns the TAI-UTC offset (whole seconds) in effect at the given
// UTC instant. Returns 0 if t predates the earliest recorded leap second.
func (t *Table) OffsetAt(at time.Time) int32 {
	// TAI-UTC was 10 s when leap seconds were introduced in 1972.
	const initialTAIOffset = 10
	var offset int32
	for _, e := range t.events {
		if e.Time().After(at) {
			break
		}
		offset = initialTAIOffset + e.Nleap
	}
	return offset
}

// Current returns the TAI-UTC offset in effect right now.
func (t *Table) Current() int32 {
	return t.OffsetAt(time.Now())
}

// six big-endian 32-bit counters present in every tzif header block: UTC/local
// indicators, std/wall indicators, leap seconds, transition times, local time
// zones, abbreviation characters.
const (
	nUTCLocal = iota
	nStdWall
	nLeap
	nTime
	nZone
	nChar
)

// block reads one tzif data block (the header counters plus, optionally, its
// leap-second array) and reports how many bytes of payload remain to be
// skipped by the caller before the next block (or EOF).
func block(r io.Reader, wide bool, wantLeaps bool) (n [6]int, events []Event, err error) {
	for i := 0; i < 6; i++ {
		var nn uint32
		if err := binary.Read(r, binary.BigEndian, &nn); err != nil {
			return n, nil, fmt.Errorf("reading tzif header: %w", err)
		}
		n[i] = int(nn)
	}

	var skip int
	if wide {
		skip = n[nTime]*9 + n[nZone]*6 + n[nChar]
	} else {
		skip = n[nTime]*5 + n[nZone]*6 + n[nChar]
	}
	if !wantLeaps {
		// not interested in this block's leap entries either (first half of
		// a version 2/3 file): fold them into the same skip.
		skip += n[nLeap] * leapEntrySize(wide)
		if nn, _ := io.CopyN(io.Discard, r, int64(skip)); nn != int64(skip) {
			return n, nil, errBadData
		}
		return n, nil, nil
	}
	if nn, _ := io.CopyN(io.Discard, r, int64(skip)); nn != int64(skip) {
		return n, nil, errBadData
	}

	for i := 0; i < n[nLeap]; i++ {
		var e Event
		if !wide {
			var raw [2]uint32
			if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
				return n, nil, fmt.Errorf("reading leap second entry: %w", err)
			}
			e.Tleap, e.Nleap = uint64(raw[0]), int32(raw[1])
		} else if err := binary.Read(r, binary.BigEndian, &e); err != nil {
			return n, nil, fmt.Errorf("reading leap second entry: %w", err)
		}
		events = append(events, e)
	}
	tail := n[nUTCLocal] + n[nStdWall]
	_, _ = io.CopyN(io.Discard, r, int64(tail))
	return n, events, nil
}

func leapEntrySize(wide bool) int {
	if wide {
		return 12 // 8-byte transition time + 4-byte offset
	}
	return 8 // 4-byte transition time + 4-byte offset
}

// readHeader consumes one "TZif"+version+padding header and returns the
// version byte ('\x00', '2' or '3').
func readHeader(r io.Reader) (byte, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != "TZif" {
		return 0, errBadData
	}
	p := make([]byte, 16)
	if _, err := io.ReadFull(r, p); err != nil {
		return 0, errBadData
	}
	version := p[0]
	if version != 0 && version != '2' && version != '3' {
		return 0, errBadVersion
	}
	return version, nil
}

func parse(r io.Reader) (*Table, error) {
	version, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	if version == 0 {
		// version-0 files carry only the 32-bit block; it's authoritative.
		_, events, err := block(r, false, true)
		if err != nil {
			return nil, err
		}
		sort.Slice(events, func(i, j int) bool { return events[i].Tleap < events[j].Tleap })
		return &Table{events: events}, nil
	}

	// version 2/3 files repeat the data twice: a legacy 32-bit block for old
	// readers, followed by the authoritative 64-bit block. Skip the first,
	// parse the second.
	if _, _, err := block(r, false, false); err != nil {
		return nil, err
	}
	if _, err := readHeader(r); err != nil {
		return nil, err
	}
	_, events, err := block(r, true, true)
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Tleap < events[j].Tleap })
	return &Table{events: events}, nil
}
