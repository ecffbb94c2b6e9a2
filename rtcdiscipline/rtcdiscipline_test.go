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

package rtcdiscipline

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/facebook/gpsgm/driftobserver"
)

type fakeRTC struct {
	offset int8
}

func (f *fakeRTC) Read() (time.Time, error)       { return time.Time{}, nil }
func (f *fakeRTC) Step(time.Time) error           { return nil }
func (f *fakeRTC) AdjustFrequency(float64) error  { return nil }
func (f *fakeRTC) MaxAdjustmentPPB() float64      { return 0 }
func (f *fakeRTC) ReadAgingOffset() (int8, error) { return f.offset, nil }
func (f *fakeRTC) WriteAgingOffset(v int8) error  { f.offset = v; return nil }
func (f *fakeRTC) AdjustAgingOffset(delta int8) (before, after int8, err error) {
	before = f.offset
	after = before + delta
	if after < -127 {
		after = -127
	} else if after > 127 {
		after = 127
	}
	f.offset = after
	return before, after, nil
}

func TestDiscipline_AppliesAdjustmentAfterWarmupAndThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Observer.Capacity = 120
	cfg.Observer.MinValidSamples = 60
	cfg.Observer.OutlierMADSigma = 0
	cfg.Observer.Method = driftobserver.MethodLinearRegression
	cfg.MinSamplesBeforeFirstAdjustment = 60

	rtc := &fakeRTC{offset: 10}
	d := New(cfg, rtc, logrus.New())

	start := time.Unix(1_700_000_000, 0)
	const driftPPM = 0.176 // matches the documented S6 scenario
	var applied bool
	var before, after int8
	for i := 0; i < 120; i++ {
		ref := start.Add(time.Duration(i) * time.Second)
		rtcTime := ref.Add(time.Duration(driftPPM*float64(i)*1000) * time.Nanosecond)
		now := start.Add(time.Duration(i) * time.Second)
		var err error
		applied, before, after, err = d.Update(ref, rtcTime, now)
		require.NoError(t, err)
		if applied {
			break
		}
	}
	require.True(t, applied, "adjustment should have been applied by sample 120")
	require.Equal(t, int8(10), before)
	require.Equal(t, int8(8), after) // delta_lsb = round(0.176/0.1) = 2, new = 10 - 2
}

func TestDiscipline_NotEligibleBelowThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Observer.MinValidSamples = 10
	cfg.Observer.OutlierMADSigma = 0
	cfg.MinSamplesBeforeFirstAdjustment = 10

	rtc := &fakeRTC{offset: 0}
	d := New(cfg, rtc, logrus.New())

	start := time.Unix(1_700_000_000, 0)
	for i := 0; i < 30; i++ {
		ref := start.Add(time.Duration(i) * time.Second)
		now := ref
		applied, _, _, err := d.Update(ref, ref, now)
		require.NoError(t, err)
		require.False(t, applied, "zero drift should never cross the eligibility threshold")
	}
}

func TestDiscipline_RespectsMinIntervalBetweenAdjustments(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Observer.MinValidSamples = 5
	cfg.Observer.OutlierMADSigma = 0
	cfg.MinSamplesBeforeFirstAdjustment = 5
	cfg.MinInterval = 10000 * time.Second

	rtc := &fakeRTC{offset: 0}
	d := New(cfg, rtc, logrus.New())

	start := time.Unix(1_700_000_000, 0)
	var appliedCount int
	for i := 0; i < 30; i++ {
		ref := start.Add(time.Duration(i) * time.Second)
		rtcTime := ref.Add(time.Duration(float64(i)*200) * time.Nanosecond)
		now := ref
		applied, _, _, err := d.Update(ref, rtcTime, now)
		require.NoError(t, err)
		if applied {
			appliedCount++
		}
	}
	require.LessOrEqual(t, appliedCount, 1, "min interval must suppress a second adjustment shortly after the first")
}
