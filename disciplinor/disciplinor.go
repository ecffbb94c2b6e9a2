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

// Package disciplinor implements the three-mode time-discipline state
// machine (plus Holdover/Reacquire) that turns association-locked
// reference ticks into Local-Clock step/frequency commands.
package disciplinor

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/facebook/gpsgm/driftobserver"
	"github.com/facebook/gpsgm/pidtrim"
)

// Mode is the Disciplinor's current operating mode.
type Mode int

// Operating modes.
const (
	ModeAcquireAlignment Mode = iota
	ModeCaptureFrequencyBias
	ModeTrackAndCorrectDrift
	ModeHoldover
	ModeReacquire
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeAcquireAlignment:
		return "Acquire-Alignment"
	case ModeCaptureFrequencyBias:
		return "Capture-Frequency-Bias"
	case ModeTrackAndCorrectDrift:
		return "Track-And-Correct-Drift"
	case ModeHoldover:
		return "Holdover"
	case ModeReacquire:
		return "Reacquire"
	default:
		return "Unknown"
	}
}

// Config tunes every threshold and window named in the mode descriptions.
type Config struct {
	StartupStepThreshold   time.Duration
	RunStepThreshold       time.Duration
	EmergencyStepThreshold time.Duration
	CaptureRange           time.Duration
	StabilizationGuard     int
	SkipSamplesAfterStep   int

	BiasCapturePulses  int
	DriftSoftPPM       float64
	DriftHardPPM       float64
	BiasCaptureRetries int

	EMAAlpha       float64
	MaxFreqStepPPB float64

	PITrimKI        float64
	PITrimMaxAbsPPB float64

	Observer driftobserver.Config
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		StartupStepThreshold:   100 * time.Millisecond,
		RunStepThreshold:       1 * time.Second,
		EmergencyStepThreshold: 700 * time.Millisecond,
		CaptureRange:           50 * time.Millisecond,
		StabilizationGuard:     3,
		SkipSamplesAfterStep:   3,
		BiasCapturePulses:      20,
		DriftSoftPPM:           200,
		DriftHardPPM:           2000,
		BiasCaptureRetries:     3,
		EMAAlpha:               0.1,
		MaxFreqStepPPB:         20000,
		// PI trim defaults to disabled: the df/dt drift loop alone is the
		// documented default steering path. Set PITrimKI to pidtrim.DefaultKI
		// (or another nonzero gain) to opt in.
		PITrimKI:        0,
		PITrimMaxAbsPPB: 0,
		Observer:        driftobserver.DefaultConfig(),
	}
}

// Tick is one PPS edge's worth of input to the Disciplinor.
type Tick struct {
	PPSSeq            uint64
	ReferenceUTC      time.Time
	LocalNow          time.Time
	AssociationLocked bool
	ReferenceGood     bool
	PulseContinuity   bool
	DTReferenceInBand bool
	MaxAdjustmentPPB  float64
}

// CommandKind selects which action the Controller should apply.
type CommandKind int

// Command kinds.
const (
	CommandHold CommandKind = iota
	CommandStep
	CommandAdjustFrequency
)

// Command is the Disciplinor's output for one tick.
type Command struct {
	Kind         CommandKind
	StepTarget   time.Time
	FrequencyPPB float64
}

// Disciplinor runs the state machine described in the mode summaries.
type Disciplinor struct {
	cfg Config
	log logrus.FieldLogger

	mode Mode

	obs  *driftobserver.Observer
	trim *pidtrim.Trim

	stabilizationTicksLeft int
	skipSamplesLeft        int
	lastSteering           float64
	capturedBiasPPB        float64

	biasWindowStart *biasAnchor
	biasRetries     int
	everStarted     bool

	emaDriftPPB  float64
	haveEMA      bool
	lastEstimate driftobserver.Estimate
}

type biasAnchor struct {
	seq          uint64
	referenceUTC time.Time
	localNow     time.Time
}

// New creates a Disciplinor in Acquire-Alignment mode.
func New(cfg Config, log logrus.FieldLogger) *Disciplinor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Disciplinor{
		cfg:  cfg,
		log:  log,
		mode: ModeAcquireAlignment,
		obs:  driftobserver.New(cfg.Observer),
		trim: pidtrim.New(cfg.PITrimKI, cfg.PITrimMaxAbsPPB),
	}
}

// Mode returns the current operating mode.
func (d *Disciplinor) Mode() Mode { return d.mode }

// CapturedBiasPPB returns the most recently captured frequency bias, for
// persistence as a restart hint. It is informational only: a restarted
// process always re-measures bias from scratch before trusting it.
func (d *Disciplinor) CapturedBiasPPB() float64 { return d.capturedBiasPPB }

// Step runs one tick of the state machine and returns the command to apply.
func (d *Disciplinor) Step(t Tick) Command {
	if !t.AssociationLocked || !t.ReferenceGood {
		return d.enterHoldoverIfNeeded(t)
	}
	if d.mode == ModeHoldover {
		d.mode = ModeReacquire
	}

	offset := t.LocalNow.Sub(t.ReferenceUTC)

	switch d.mode {
	case ModeAcquireAlignment, ModeReacquire:
		return d.stepAcquire(t, offset)
	case ModeCaptureFrequencyBias:
		return d.stepCapture(t, offset)
	case ModeTrackAndCorrectDrift:
		return d.stepTrack(t, offset)
	default:
		return Command{Kind: CommandHold}
	}
}

func (d *Disciplinor) enterHoldoverIfNeeded(t Tick) Command {
	if d.mode != ModeHoldover {
		d.log.WithField("mode", d.mode.String()).Warn("reference lost, entering holdover")
		d.mode = ModeHoldover
	}
	return Command{Kind: CommandHold, FrequencyPPB: d.lastSteering}
}

func (d *Disciplinor) stepAcquire(t Tick, offset time.Duration) Command {
	threshold := d.cfg.RunStepThreshold
	if !d.everStarted {
		threshold = d.cfg.StartupStepThreshold
	}

	if abs(offset) > threshold {
		d.everStarted = true
		d.stabilizationTicksLeft = d.cfg.StabilizationGuard
		d.skipSamplesLeft = d.cfg.SkipSamplesAfterStep
		d.mode = ModeAcquireAlignment
		d.obs.Notify(driftobserver.EventClockStepped)
		d.haveEMA = false
		d.trim.Reset()
		d.log.WithField("offset_ns", offset.Nanoseconds()).Info("stepping local clock")
		return Command{Kind: CommandStep, StepTarget: t.ReferenceUTC}
	}

	if d.skipSamplesLeft > 0 || d.stabilizationTicksLeft > 0 {
		if d.stabilizationTicksLeft > 0 {
			d.stabilizationTicksLeft--
		}
		if d.skipSamplesLeft > 0 {
			d.skipSamplesLeft--
		}
		return Command{Kind: CommandHold}
	}

	if abs(offset) < d.cfg.CaptureRange {
		d.mode = ModeCaptureFrequencyBias
		d.biasWindowStart = &biasAnchor{seq: t.PPSSeq, referenceUTC: t.ReferenceUTC, localNow: t.LocalNow}
		d.biasRetries = 0
		return Command{Kind: CommandHold}
	}
	return Command{Kind: CommandHold}
}

func (d *Disciplinor) stepCapture(t Tick, offset time.Duration) Command {
	if !t.PulseContinuity {
		return d.rejectBiasWindow(t, "pulse continuity broken")
	}
	if d.biasWindowStart == nil {
		d.biasWindowStart = &biasAnchor{seq: t.PPSSeq, referenceUTC: t.ReferenceUTC, localNow: t.LocalNow}
		return Command{Kind: CommandHold, FrequencyPPB: d.lastSteering}
	}

	elapsed := t.PPSSeq - d.biasWindowStart.seq
	if elapsed < uint64(d.cfg.BiasCapturePulses) {
		return Command{Kind: CommandHold, FrequencyPPB: d.lastSteering}
	}

	refDelta := t.ReferenceUTC.Sub(d.biasWindowStart.referenceUTC)
	localDelta := t.LocalNow.Sub(d.biasWindowStart.localNow)
	if refDelta <= 0 {
		return d.rejectBiasWindow(t, "non-positive reference delta")
	}
	biasPPB := (float64(localDelta-refDelta) / float64(refDelta)) * 1e9
	if math.Abs(biasPPB/1000.0) > d.cfg.DriftHardPPM {
		return d.rejectBiasWindow(t, "bias exceeds hard sanity bound")
	}

	d.capturedBiasPPB = biasPPB
	d.lastSteering = clampPPB(-biasPPB, t.MaxAdjustmentPPB)
	d.mode = ModeTrackAndCorrectDrift
	d.obs.Notify(driftobserver.EventFrequencyAdjusted)
	d.haveEMA = false
	d.trim.Reset()
	d.log.WithField("bias_ppb", biasPPB).Info("frequency bias captured")
	return Command{Kind: CommandAdjustFrequency, FrequencyPPB: d.lastSteering}
}

func (d *Disciplinor) rejectBiasWindow(t Tick, reason string) Command {
	d.biasRetries++
	d.biasWindowStart = nil
	d.log.WithField("reason", reason).Warn("frequency bias capture window rejected")
	if d.biasRetries > d.cfg.BiasCaptureRetries {
		d.capturedBiasPPB = 0
		d.mode = ModeTrackAndCorrectDrift
		d.obs.Notify(driftobserver.EventFrequencyAdjusted)
		d.haveEMA = false
		d.trim.Reset()
		d.log.Warn("bias capture retries exhausted, tracking with zero bias")
	}
	return Command{Kind: CommandHold, FrequencyPPB: d.lastSteering}
}

func (d *Disciplinor) stepTrack(t Tick, offset time.Duration) Command {
	if abs(offset) > d.cfg.EmergencyStepThreshold {
		d.mode = ModeAcquireAlignment
		d.everStarted = false
		d.obs.Notify(driftobserver.EventClockStepped)
		d.haveEMA = false
		d.log.WithField("offset_ns", offset.Nanoseconds()).Warn("emergency step, re-entering acquire-alignment")
		return Command{Kind: CommandStep, StepTarget: t.ReferenceUTC}
	}

	if !t.PulseContinuity || !t.DTReferenceInBand {
		return Command{Kind: CommandHold, FrequencyPPB: d.lastSteering}
	}

	d.everStarted = true
	d.obs.Update(t.ReferenceUTC.UnixNano(), t.LocalNow.UnixNano())

	est := d.obs.Estimate()
	d.lastEstimate = est
	if !est.Ready {
		return Command{Kind: CommandHold, FrequencyPPB: d.lastSteering}
	}

	rawDriftPPB := est.DriftPPM * 1000
	if d.cfg.DriftSoftPPM > 0 && math.Abs(est.DriftPPM) > d.cfg.DriftSoftPPM {
		d.log.WithField("drift_ppm", est.DriftPPM).Warn("drift exceeds soft sanity bound")
	}
	if !d.haveEMA {
		d.emaDriftPPB = rawDriftPPB
		d.haveEMA = true
	} else {
		alpha := d.cfg.EMAAlpha
		d.emaDriftPPB = alpha*rawDriftPPB + (1-alpha)*d.emaDriftPPB
	}

	if !est.Trustworthy {
		return Command{Kind: CommandHold, FrequencyPPB: d.lastSteering}
	}

	pi := d.trim.Update(float64(offset.Nanoseconds()))
	target := -(d.capturedBiasPPB + d.emaDriftPPB + pi)
	target = clampPPB(target, t.MaxAdjustmentPPB)
	target = rateLimit(d.lastSteering, target, d.cfg.MaxFreqStepPPB)
	d.lastSteering = target
	return Command{Kind: CommandAdjustFrequency, FrequencyPPB: target}
}

// LastEstimate returns the most recent Drift Observer estimate computed
// while tracking, for telemetry.
func (d *Disciplinor) LastEstimate() driftobserver.Estimate { return d.lastEstimate }

// LastFilteredDriftPPB returns the EMA-smoothed drift, in ppb, most
// recently used to steer the local clock.
func (d *Disciplinor) LastFilteredDriftPPB() float64 { return d.emaDriftPPB }

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func clampPPB(v, max float64) float64 {
	if max <= 0 {
		return v
	}
	if v > max {
		return max
	}
	if v < -max {
		return -max
	}
	return v
}

func rateLimit(prev, target, maxStep float64) float64 {
	if maxStep <= 0 {
		return target
	}
	delta := target - prev
	if delta > maxStep {
		return prev + maxStep
	}
	if delta < -maxStep {
		return prev - maxStep
	}
	return target
}
