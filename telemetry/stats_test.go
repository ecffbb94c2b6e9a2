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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStats_SetAndUpdateCounter(t *testing.T) {
	s := NewStats()
	s.SetCounter("drift_ppb", 10)
	s.UpdateCounterBy("drift_ppb", 5)
	require.EqualValues(t, 15, s.Get()["drift_ppb"])

	s.Reset()
	require.EqualValues(t, 0, s.Get()["drift_ppb"])
}

func TestCSVTickLogger_WritesHeaderOnce(t *testing.T) {
	var buf bytes.Buffer
	l := NewCSVTickLogger(&buf)

	require.NoError(t, l.Log(&TickRecord{PPSSeq: 1, ServoMode: "Acquire-Alignment"}))
	require.NoError(t, l.Log(&TickRecord{PPSSeq: 2, ServoMode: "Track-And-Correct-Drift"}))

	out := buf.String()
	require.Equal(t, 1, bytes.Count([]byte(out), []byte("pps_seq")))
}
