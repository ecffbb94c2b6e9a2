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

package driftobserver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// feed pushes n ticks one second apart with a constant ppb-equivalent
// drift applied to the offset, starting at baseOffsetNS.
func feed(o *Observer, n int, startReferenceNS, baseOffsetNS int64, driftNSPerTick float64) {
	for i := 0; i < n; i++ {
		referenceNS := startReferenceNS + int64(i)*1e9
		offsetNS := baseOffsetNS + int64(float64(i)*driftNSPerTick)
		o.Update(referenceNS, referenceNS+offsetNS)
	}
}

func TestObserver_NotReadyBeforeMinValidSamples(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinValidSamples = 5
	cfg.OutlierMADSigma = 0
	o := New(cfg)

	// The first sample of an epoch is never valid, so 5 ticks yield 4 valid
	// samples and the sixth tick yields the fifth.
	feed(o, 5, 1_700_000_000*1e9, 1000, 0)
	require.False(t, o.Estimate().Ready)

	feed(o, 1, 1_700_000_005*1e9, 1000, 0)
	require.True(t, o.Estimate().Ready)
}

func TestObserver_LinearRegressionRecoversKnownSlope(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Method = MethodLinearRegression
	cfg.MinValidSamples = 5
	cfg.OutlierMADSigma = 0
	o := New(cfg)

	const driftPPM = 2.5
	const driftNSPerTick = driftPPM * 1000 // ppm -> ns/s
	feed(o, 20, 1_700_000_000*1e9, 0, driftNSPerTick)

	est := o.Estimate()
	require.True(t, est.Ready)
	require.InDelta(t, driftPPM, est.DriftPPM, 0.01)
}

func TestObserver_MeanOfDeltasRecoversKnownSlope(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Method = MethodMeanOfDeltas
	cfg.MinValidSamples = 5
	cfg.OutlierMADSigma = 0
	o := New(cfg)

	const driftPPM = -1.5
	const driftNSPerTick = driftPPM * 1000
	feed(o, 10, 1_700_000_000*1e9, 0, driftNSPerTick)

	est := o.Estimate()
	require.True(t, est.Ready)
	require.InDelta(t, driftPPM, est.DriftPPM, 0.01)
}

func TestObserver_MADOutlierRetainedInRingButExcludedFromStats(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Method = MethodMeanOfDeltas
	cfg.MinValidSamples = 5
	cfg.OutlierMADSigma = 3
	cfg.MaxOffsetStepNS = 1_000_000_000 // disable the separate offset-spike path for this test
	o := New(cfg)

	// A 3-value repeating drift pattern (100/150/200 ns per tick) gives a
	// nonzero baseline MAD (50ns) with no majority value, unlike a
	// constant or 2-valued series where MAD collapses to zero.
	start := int64(1_700_000_000) * 1e9
	pattern := []int64{100, 150, 200}
	offsetNS := int64(0)
	var referenceNS int64
	for i := 0; i < 10; i++ {
		referenceNS = start + int64(i)*1e9
		o.Update(referenceNS, referenceNS+offsetNS)
		offsetNS += pattern[i%3]
	}
	before := o.Len()
	beforeValid := o.Estimate().ValidSamples

	// A 5000ns/s jump is >3*MAD(50ns) but well under max_plausible_drift,
	// so MAD rejection alone must catch it.
	referenceNS = start + 10*1e9
	s := o.Update(referenceNS, referenceNS+offsetNS+5000)

	require.False(t, s.Valid)
	require.NotZero(t, s.Flags&FlagDriftSpike)
	require.Equal(t, before+1, o.Len(), "outlier must still be retained in the ring for diagnostics")
	require.Equal(t, beforeValid, o.Estimate().ValidSamples, "outlier must be excluded from statistics")
}

func TestObserver_OffsetSpikeAutoNotifiesClockStepped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinValidSamples = 5
	cfg.MaxOffsetStepNS = 1_000_000
	cfg.OutlierMADSigma = 0
	o := New(cfg)

	feed(o, 10, 1_700_000_000*1e9, 0, 0)
	epochBefore := o.Estimate().CurrentEpoch

	referenceNS := 1_700_000_010 * int64(1e9)
	s := o.Update(referenceNS, referenceNS+50_000_000) // 50ms step, well past max_offset_step_ns

	require.NotZero(t, s.Flags&FlagOffsetSpike)
	est := o.Estimate()
	require.Equal(t, epochBefore+1, est.CurrentEpoch, "undeclared offset spike must bump the epoch")
	require.Equal(t, cfg.HoldoffAfterStep, est.TicksInHoldoff)
}

func TestObserver_NotifyClockSteppedForcesHoldoffOnTrustworthy(t *testing.T) {
	cfg := DefaultConfig()
	// MinValidSamples = 1 so readiness arrives almost immediately after
	// the epoch bump, isolating holdoff (not readiness) as what keeps
	// trustworthy false.
	cfg.MinValidSamples = 1
	cfg.OutlierMADSigma = 0
	cfg.HoldoffAfterStep = 3
	o := New(cfg)

	feed(o, 10, 1_700_000_000*1e9, 0, 0)
	require.True(t, o.Estimate().Trustworthy)

	o.Notify(EventClockStepped)
	require.Equal(t, uint64(1), o.Estimate().CurrentEpoch)

	start := int64(1_800_000_000) * 1e9
	for i := 0; i < cfg.HoldoffAfterStep+1; i++ {
		feed(o, 1, start+int64(i)*1e9, 0, 0)
		est := o.Estimate()
		if est.TicksInHoldoff > 0 {
			require.False(t, est.Trustworthy, "estimate must stay untrustworthy while ticks_in_holdoff > 0")
		}
	}
	require.True(t, o.Estimate().Trustworthy, "trustworthy once holdoff_after_step_ticks have elapsed and readiness is met")
}

func TestObserver_ReferenceLostFreezesTrustworthyWithoutClearingWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinValidSamples = 3
	cfg.OutlierMADSigma = 0
	o := New(cfg)

	feed(o, 10, 1_700_000_000*1e9, 0, 0)
	lenBefore := o.Len()
	require.True(t, o.Estimate().Trustworthy)

	o.Notify(EventReferenceLost)
	est := o.Estimate()
	require.False(t, est.Trustworthy)
	require.Equal(t, lenBefore, o.Len(), "ReferenceLost must not clear the window")

	o.Notify(EventReferenceRecovered)
	require.True(t, o.Estimate().Trustworthy)
}

func TestObserver_ResetClearsWindowAndForcesWarmup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinValidSamples = 3
	cfg.OutlierMADSigma = 0
	o := New(cfg)

	feed(o, 5, 1_700_000_000*1e9, 0, 0)
	require.True(t, o.Estimate().Ready)

	o.Reset()
	require.False(t, o.Estimate().Ready)
	require.Equal(t, 0, o.Len())
}

func TestObserver_CapacityBoundsRetainedSamples(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 5
	cfg.MinValidSamples = 1
	cfg.OutlierMADSigma = 0
	o := New(cfg)

	feed(o, 50, 1_700_000_000*1e9, 0, 0)
	require.Equal(t, 5, o.Len())
}
