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

package grandmaster

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/facebook/gpsgm/refsource"
	"github.com/facebook/gpsgm/rtcdiscipline"
	"github.com/facebook/gpsgm/telemetry"
)

type fakeClock struct {
	now    time.Time
	stepTo time.Time
	freq   float64
	maxPPB float64
}

func (f *fakeClock) Read() (time.Time, error)          { return f.now, nil }
func (f *fakeClock) Step(target time.Time) error       { f.stepTo = target; f.now = target; return nil }
func (f *fakeClock) AdjustFrequency(ppb float64) error { f.freq = ppb; return nil }
func (f *fakeClock) MaxAdjustmentPPB() float64         { return f.maxPPB }

type fakeRTC struct{ offset int8 }

func (f *fakeRTC) Read() (time.Time, error)       { return time.Now(), nil }
func (f *fakeRTC) Step(time.Time) error           { return nil }
func (f *fakeRTC) AdjustFrequency(float64) error  { return nil }
func (f *fakeRTC) MaxAdjustmentPPB() float64      { return 0 }
func (f *fakeRTC) ReadAgingOffset() (int8, error) { return f.offset, nil }
func (f *fakeRTC) WriteAgingOffset(v int8) error  { f.offset = v; return nil }
func (f *fakeRTC) AdjustAgingOffset(delta int8) (before, after int8, err error) {
	before = f.offset
	f.offset += delta
	return before, f.offset, nil
}

type fakeProvider struct{}

func (fakeProvider) NextTick(ctx context.Context, deadline time.Time) (refsource.Tick, error) {
	return refsource.Tick{}, context.Canceled
}
func (fakeProvider) Close() error { return nil }

func newTestController() (*Controller, *fakeClock) {
	clk := &fakeClock{maxPPB: 500000}
	c := New(DefaultConfig(), fakeProvider{}, clk, &fakeRTC{}, rtcdiscipline.DefaultConfig(), telemetry.NewStats(), logrus.New())
	return c, clk
}

func TestController_StepsOnLargeStartupOffsetViaWorkerPath(t *testing.T) {
	c, clk := newTestController()

	ref := time.Unix(1_700_000_000, 0)
	clk.now = ref.Add(500 * time.Millisecond)

	var seq uint64 = 100
	for i := 0; i < 5; i++ {
		tick := refsource.Tick{
			PPSSeq:                 seq,
			MonotonicCaptureNS:     int64(i) * int64(time.Second),
			NMEAUTCSec:             uint64(1_700_000_000 + i),
			NMEAArrivalMonotonicNS: int64(i)*int64(time.Second) + int64(100*time.Millisecond),
			FixValid:               true,
			HasNMEA:                true,
		}
		c.processTick(tick, 0)
		seq++
	}
	require.False(t, clk.stepTo.IsZero(), "expected a step command to have aligned the local clock")
	require.WithinDuration(t, ref, clk.stepTo, 10*time.Second)
}

func TestController_MissedTickDetectedOnSeqGap(t *testing.T) {
	c, _ := newTestController()
	c.processTick(refsource.Tick{PPSSeq: 1}, 0)
	c.processTick(refsource.Tick{PPSSeq: 5}, 0)
	require.EqualValues(t, 1, c.stats.Get()["missing_ticks"])
}

func TestController_RunSavesHintFileOnShutdown(t *testing.T) {
	rtc := &fakeRTC{offset: 5}
	cfg := DefaultConfig()
	cfg.HintFile = filepath.Join(t.TempDir(), "hints.yaml")

	c := New(cfg, fakeProvider{}, &fakeClock{maxPPB: 500000}, rtc, rtcdiscipline.DefaultConfig(), telemetry.NewStats(), logrus.New())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = c.Run(ctx)

	_, err := os.Stat(cfg.HintFile)
	require.NoError(t, err, "expected hint file to be written on shutdown")
}

func TestSharedTick_PublishAndTakeIsLastWriteWins(t *testing.T) {
	var s sharedTick
	_, _, ok := s.take()
	require.False(t, ok)

	s.publish(refsource.Tick{PPSSeq: 1}, 10)
	s.publish(refsource.Tick{PPSSeq: 2}, 20)

	tick, woke, ok := s.take()
	require.True(t, ok)
	require.EqualValues(t, 2, tick.PPSSeq)
	require.EqualValues(t, 20, woke)

	_, _, ok = s.take()
	require.False(t, ok)
}
