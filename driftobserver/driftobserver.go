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

// Package driftobserver is a reusable offset/drift estimator over a fixed
// capacity window of (reference, clock) timestamp pairs. The Disciplinor's
// Track-And-Correct-Drift mode and the RTC Aging-Offset Discipline each run
// their own instance, with their own epoch and holdoff state, against
// different clock pairs.
package driftobserver

import (
	"container/ring"
	"math"
	"sort"

	"github.com/eclesh/welford"
)

// Method selects how Estimate turns the window into a single drift value.
type Method int

// Estimation methods.
const (
	// MethodMeanOfDeltas averages the per-sample instantaneous drift.
	MethodMeanOfDeltas Method = iota
	// MethodLinearRegression fits offset = a + b*t over the window and
	// reports b. Default and recommended.
	MethodLinearRegression
)

// HealthFlag is a per-sample or aggregated diagnostic bit.
type HealthFlag uint32

// Flags set on a Sample, and OR'd together across a window into an
// Estimate's HealthFlags.
const (
	FlagOffsetSpike HealthFlag = 1 << iota
	FlagDriftSpike
	FlagDTReferenceInvalid
	FlagDTClockInvalid
	FlagEpochBoundary
	FlagInHoldoff
)

// Event is a notification delivered by a caller about a change to the
// relationship between the two clocks an Observer is watching.
type Event int

// Events and their effect on epoch, window, and holdoff are documented on
// Notify.
const (
	EventReferenceChanged Event = iota
	EventReferenceLost
	EventReferenceRecovered
	EventClockStepped
	EventClockSlewed
	EventFrequencyAdjusted
	EventServoModeChanged
	EventWarmStartRequested
)

// Config tunes window capacity, spike/outlier rejection, and holdoff.
type Config struct {
	// Name identifies the clock pair this Observer watches, for logging.
	Name string

	// Capacity is the number of samples retained in the ring.
	Capacity int
	// Method selects the drift estimation algorithm.
	Method Method
	// MinValidSamples is the valid-sample threshold for readiness.
	MinValidSamples int

	// MaxDTReferenceDeviationNS bounds |dt_reference_ns - 1e9| (and,
	// reused, |dt_clock_ns - 1e9|) before a sample is flagged invalid.
	MaxDTReferenceDeviationNS float64
	// MaxOffsetStepNS is the belt-and-suspenders offset-spike threshold:
	// exceeding it flags offset-spike and auto-notifies ClockStepped.
	MaxOffsetStepNS float64
	// OutlierMADSigma rejects drift samples whose deviation from the
	// window's median drift exceeds OutlierMADSigma * MAD (0 disables).
	OutlierMADSigma float64
	// MaxPlausibleDriftPPM is the hard sanity ceiling on drift_ns_per_s,
	// expressed in ppm (sourced from the top-level drift_hard_ppm key).
	MaxPlausibleDriftPPM float64

	// HoldoffAfterStep/Freq/Ref/Slew are the per-event settle durations,
	// in ticks, applied by Notify.
	HoldoffAfterStep int
	HoldoffAfterFreq int
	HoldoffAfterRef  int
	HoldoffAfterSlew int

	// MaxDriftStddevPPM is the variance gate for trustworthy.
	MaxDriftStddevPPM float64
	// MaxInvalidRatio is the invalid-sample-ratio gate for trustworthy.
	// Not an exposed config key; int(4.2)'s trust formula names it but
	// the external config surface does not, so it is defaulted here.
	MaxInvalidRatio float64
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:                  120,
		Method:                    MethodLinearRegression,
		MinValidSamples:           30,
		MaxDTReferenceDeviationNS: 2_000_000,
		MaxOffsetStepNS:           1_000_000,
		OutlierMADSigma:           4.5,
		MaxPlausibleDriftPPM:      2000,
		HoldoffAfterStep:          5,
		HoldoffAfterFreq:          2,
		HoldoffAfterRef:           10,
		HoldoffAfterSlew:          2,
		MaxDriftStddevPPM:         5.0,
		MaxInvalidRatio:           0.5,
	}
}

// Sample is one tick's drift record, as documented in spec section 3.
type Sample struct {
	Seq         uint64
	EpochID     uint64
	ReferenceNS int64
	ClockNS     int64
	OffsetNS    int64

	// DTReferenceNS, DTClockNS and DriftNSPerS are zero on the first
	// sample of an epoch (FlagEpochBoundary set, Valid false).
	DTReferenceNS int64
	DTClockNS     int64
	DriftNSPerS   float64

	Valid bool
	Flags HealthFlag
}

// Estimate is the published derived view of an Observer's window.
type Estimate struct {
	Ready       bool
	Trustworthy bool

	OffsetMeanNS   float64
	OffsetStddevNS float64
	OffsetMedianNS float64
	DriftPPM       float64
	DriftStddevPPM float64
	JitterRMSNS    float64

	HealthFlags HealthFlag

	TotalSamples   uint64
	ValidSamples   int
	CurrentEpoch   uint64
	TicksInEpoch   int
	TicksInHoldoff int
}

// Observer accumulates Drift Samples over a clock pair and estimates their
// relative drift. It is not safe for concurrent use.
type Observer struct {
	cfg Config

	ring         *ring.Ring
	countInEpoch int

	seq          uint64
	totalSamples uint64

	currentEpoch uint64
	ticksInEpoch int
	epochFlags   HealthFlag

	havePrev              bool
	prevReferenceNS       int64
	prevClockNS           int64
	prevOffsetNS          int64
	epochStartReferenceNS int64

	holdoffRemaining int
	referenceGood    bool

	offsetStats *welford.Stats
	driftStats  *welford.Stats
}

// New creates an Observer with the given configuration.
func New(cfg Config) *Observer {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	o := &Observer{cfg: cfg, referenceGood: true}
	o.ring = newRing(cfg.Capacity)
	o.offsetStats = welford.New()
	o.driftStats = welford.New()
	return o
}

func newRing(capacity int) *ring.Ring {
	r := ring.New(capacity)
	for i := 0; i < capacity; i++ {
		r.Value = (*Sample)(nil)
		r = r.Next()
	}
	return r
}

// Reset clears the window, bumps the epoch, and forces warm-up: the
// documented reset() contract, used for an unconditional restart (e.g. a
// persisted-hint warm start) rather than a specific notified event.
func (o *Observer) Reset() {
	o.bumpEpoch(0)
}

// Notify delivers one of the documented events, applying its epoch/window/
// holdoff side effects per the Drift Observer's event table.
func (o *Observer) Notify(event Event) {
	switch event {
	case EventClockStepped:
		o.bumpEpoch(o.cfg.HoldoffAfterStep)
	case EventFrequencyAdjusted:
		o.bumpEpoch(o.cfg.HoldoffAfterFreq)
	case EventReferenceChanged:
		o.bumpEpoch(o.cfg.HoldoffAfterRef)
	case EventReferenceLost:
		o.referenceGood = false
	case EventReferenceRecovered:
		o.referenceGood = true
	case EventClockSlewed:
		if o.cfg.HoldoffAfterSlew > o.holdoffRemaining {
			o.holdoffRemaining = o.cfg.HoldoffAfterSlew
		}
	case EventServoModeChanged:
		o.bumpEpoch(0)
	case EventWarmStartRequested:
		o.Reset()
	}
}

func (o *Observer) bumpEpoch(holdoff int) {
	o.currentEpoch++
	o.ring = newRing(o.cfg.Capacity)
	o.countInEpoch = 0
	o.ticksInEpoch = 0
	o.epochFlags = 0
	o.havePrev = false
	o.holdoffRemaining = holdoff
	o.offsetStats = welford.New()
	o.driftStats = welford.New()
}

// Update records one (reference_ns, clock_ns) sample, called exactly once
// per tick, and returns the Sample constructed for it.
func (o *Observer) Update(referenceNS, clockNS int64) Sample {
	o.totalSamples++
	o.seq++
	offsetNS := clockNS - referenceNS

	if !o.havePrev {
		o.epochStartReferenceNS = referenceNS
		o.havePrev = true
		o.prevReferenceNS, o.prevClockNS, o.prevOffsetNS = referenceNS, clockNS, offsetNS
		o.ticksInEpoch++
		if o.holdoffRemaining > 0 {
			o.holdoffRemaining--
		}
		s := Sample{
			Seq: o.seq, EpochID: o.currentEpoch,
			ReferenceNS: referenceNS, ClockNS: clockNS, OffsetNS: offsetNS,
			Flags: FlagEpochBoundary,
		}
		o.epochFlags |= s.Flags
		o.push(s)
		return s
	}

	dtReferenceNS := referenceNS - o.prevReferenceNS
	dtClockNS := clockNS - o.prevClockNS
	driftNSPerS := float64(offsetNS - o.prevOffsetNS)
	offsetStepNS := math.Abs(float64(offsetNS - o.prevOffsetNS))
	stepDetected := o.cfg.MaxOffsetStepNS > 0 && offsetStepNS > o.cfg.MaxOffsetStepNS

	var flags HealthFlag
	valid := true
	if o.cfg.MaxDTReferenceDeviationNS > 0 {
		if math.Abs(float64(dtReferenceNS)-1e9) > o.cfg.MaxDTReferenceDeviationNS {
			flags |= FlagDTReferenceInvalid
			valid = false
		}
		if math.Abs(float64(dtClockNS)-1e9) > o.cfg.MaxDTReferenceDeviationNS {
			flags |= FlagDTClockInvalid
			valid = false
		}
	}
	if stepDetected {
		flags |= FlagOffsetSpike
	}
	maxPlausibleDriftPPB := o.cfg.MaxPlausibleDriftPPM * 1000
	if maxPlausibleDriftPPB > 0 && math.Abs(driftNSPerS) > maxPlausibleDriftPPB {
		flags |= FlagDriftSpike
		valid = false
	}
	if valid && o.cfg.OutlierMADSigma > 0 && o.isDriftOutlier(driftNSPerS) {
		flags |= FlagDriftSpike
		valid = false
	}

	o.prevReferenceNS, o.prevClockNS, o.prevOffsetNS = referenceNS, clockNS, offsetNS

	if stepDetected {
		// Belt-and-suspenders: an offset jump the caller never announced
		// is treated exactly like a notified ClockStepped.
		o.bumpEpoch(o.cfg.HoldoffAfterStep)
		o.epochStartReferenceNS = referenceNS
		o.havePrev = true
		o.ticksInEpoch = 1
		s := Sample{
			Seq: o.seq, EpochID: o.currentEpoch,
			ReferenceNS: referenceNS, ClockNS: clockNS, OffsetNS: offsetNS,
			Flags: flags | FlagEpochBoundary,
		}
		o.epochFlags |= s.Flags
		o.push(s)
		return s
	}

	o.ticksInEpoch++
	if o.holdoffRemaining > 0 {
		flags |= FlagInHoldoff
		o.holdoffRemaining--
	}
	s := Sample{
		Seq: o.seq, EpochID: o.currentEpoch,
		ReferenceNS: referenceNS, ClockNS: clockNS, OffsetNS: offsetNS,
		DTReferenceNS: dtReferenceNS, DTClockNS: dtClockNS, DriftNSPerS: driftNSPerS,
		Valid: valid, Flags: flags,
	}
	o.epochFlags |= flags
	if valid {
		o.offsetStats.Add(float64(offsetNS))
		o.driftStats.Add(driftNSPerS / 1000.0) // ppb -> ppm
	}
	o.push(s)
	return s
}

func (o *Observer) push(s Sample) {
	o.ring = o.ring.Next()
	o.ring.Value = &s
	if o.countInEpoch < o.cfg.Capacity {
		o.countInEpoch++
	}
}

// Estimate returns the current derived view of the window.
func (o *Observer) Estimate() Estimate {
	all := o.samples()
	valid := make([]Sample, 0, len(all))
	for _, s := range all {
		if s.Valid {
			valid = append(valid, s)
		}
	}

	ready := len(valid) >= o.cfg.MinValidSamples
	invalidRatio := 0.0
	if len(all) > 0 {
		invalidRatio = 1 - float64(len(valid))/float64(len(all))
	}
	driftStddevPPM := o.driftStats.Stddev()

	trustworthy := ready &&
		o.holdoffRemaining == 0 &&
		invalidRatio <= o.cfg.MaxInvalidRatio &&
		driftStddevPPM <= o.cfg.MaxDriftStddevPPM &&
		o.referenceGood

	return Estimate{
		Ready:          ready,
		Trustworthy:    trustworthy,
		OffsetMeanNS:   o.offsetStats.Mean(),
		OffsetStddevNS: o.offsetStats.Stddev(),
		OffsetMedianNS: medianOfOffsets(valid),
		DriftPPM:       o.driftPPM(valid),
		DriftStddevPPM: driftStddevPPM,
		JitterRMSNS:    jitterRMS(valid),
		HealthFlags:    o.epochFlags,
		TotalSamples:   o.totalSamples,
		ValidSamples:   len(valid),
		CurrentEpoch:   o.currentEpoch,
		TicksInEpoch:   o.ticksInEpoch,
		TicksInHoldoff: o.holdoffRemaining,
	}
}

// Len returns the number of samples currently retained in the window
// (including flagged/invalid ones kept for diagnostics).
func (o *Observer) Len() int { return o.countInEpoch }

func (o *Observer) driftPPM(valid []Sample) float64 {
	if len(valid) == 0 {
		return 0
	}
	switch o.cfg.Method {
	case MethodMeanOfDeltas:
		var sum float64
		for _, s := range valid {
			sum += s.DriftNSPerS
		}
		return (sum / float64(len(valid))) / 1000.0
	default:
		return linearRegressionDriftPPM(valid, o.epochStartReferenceNS)
	}
}

func (o *Observer) isDriftOutlier(v float64) bool {
	vals := o.validDrifts()
	if len(vals) < 2 {
		return false
	}
	median := medianOf(vals)
	devs := make([]float64, len(vals))
	for i, x := range vals {
		devs[i] = math.Abs(x - median)
	}
	mad := medianOf(devs)
	if mad == 0 {
		return false
	}
	return math.Abs(v-median) > o.cfg.OutlierMADSigma*mad
}

func (o *Observer) validDrifts() []float64 {
	var out []float64
	for _, s := range o.samples() {
		if s.Valid {
			out = append(out, s.DriftNSPerS)
		}
	}
	return out
}

// samples returns every retained sample (valid or not), oldest first.
func (o *Observer) samples() []Sample {
	out := make([]Sample, 0, o.countInEpoch)
	r := o.ring
	for i := 0; i < o.cfg.Capacity; i++ {
		if s, _ := r.Value.(*Sample); s != nil {
			out = append(out, *s)
		}
		r = r.Prev()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func medianOfOffsets(valid []Sample) float64 {
	if len(valid) == 0 {
		return 0
	}
	vals := make([]float64, len(valid))
	for i, s := range valid {
		vals[i] = float64(s.OffsetNS)
	}
	return medianOf(vals)
}

func jitterRMS(valid []Sample) float64 {
	if len(valid) == 0 {
		return 0
	}
	var sumSq float64
	for _, s := range valid {
		sumSq += s.DriftNSPerS * s.DriftNSPerS
	}
	return math.Sqrt(sumSq / float64(len(valid)))
}

func medianOf(v []float64) float64 {
	sorted := append([]float64(nil), v...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// linearRegressionDriftPPM fits offset_ns = a + b*t (t in seconds since the
// epoch's first sample) by ordinary least squares and returns b converted
// from ns/s (= ppb) to ppm.
func linearRegressionDriftPPM(valid []Sample, epochStartReferenceNS int64) float64 {
	n := float64(len(valid))
	if n < 2 {
		return 0
	}
	var sumT, sumV, sumTT, sumTV float64
	for _, s := range valid {
		t := float64(s.ReferenceNS-epochStartReferenceNS) / 1e9
		v := float64(s.OffsetNS)
		sumT += t
		sumV += v
		sumTT += t * t
		sumTV += t * v
	}
	denom := n*sumTT - sumT*sumT
	if denom == 0 {
		return 0
	}
	b := (n*sumTV - sumT*sumV) / denom
	return b / 1000.0
}
