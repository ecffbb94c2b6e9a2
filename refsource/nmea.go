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

package refsource

import (
	"time"

	"github.com/adrianmo/go-nmea"
)

// RMCZDADecoder is a Decoder that understands $--RMC and $--ZDA sentences,
// the two NMEA 0183 sentence types that carry a full UTC date and time.
// Sentences of any other type, or sentences that fail to parse, are
// reported as not carrying a fix.
type RMCZDADecoder struct{}

// NewRMCZDADecoder constructs an RMCZDADecoder.
func NewRMCZDADecoder() *RMCZDADecoder { return &RMCZDADecoder{} }

// Decode implements Decoder.
func (RMCZDADecoder) Decode(sentence string, arrivalMonoNS int64) (utcSec uint64, arrivalMonoNSOut int64, fixValid bool, ok bool) {
	parsed, err := nmea.Parse(sentence)
	if err != nil {
		return 0, 0, false, false
	}

	switch s := parsed.(type) {
	case nmea.RMC:
		if s.Validity != "A" || !s.Date.Valid || !s.Time.Valid {
			return 0, 0, false, false
		}
		t := time.Date(2000+s.Date.YY, time.Month(s.Date.MM), s.Date.DD,
			s.Time.Hour, s.Time.Minute, s.Time.Second, 0, time.UTC)
		return uint64(t.Unix()), arrivalMonoNS, true, true

	case nmea.ZDA:
		if !s.Time.Valid {
			return 0, 0, false, false
		}
		t := time.Date(s.Year, time.Month(s.Month), s.Day,
			s.Time.Hour, s.Time.Minute, s.Time.Second, 0, time.UTC)
		return uint64(t.Unix()), arrivalMonoNS, true, true

	default:
		return 0, 0, false, false
	}
}

var _ Decoder = (*RMCZDADecoder)(nil)
