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

package disciplinor

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func baseTick(seq uint64, ref, local time.Time) Tick {
	return Tick{
		PPSSeq:            seq,
		ReferenceUTC:      ref,
		LocalNow:          local,
		AssociationLocked: true,
		ReferenceGood:     true,
		PulseContinuity:   true,
		DTReferenceInBand: true,
		MaxAdjustmentPPB:  1_000_000,
	}
}

func TestDisciplinor_StepsOnLargeStartupOffset(t *testing.T) {
	d := New(DefaultConfig(), logrus.New())
	ref := time.Unix(1_700_000_000, 0)
	local := ref.Add(500 * time.Millisecond)

	cmd := d.Step(baseTick(1, ref, local))
	require.Equal(t, CommandStep, cmd.Kind)
	require.True(t, cmd.StepTarget.Equal(ref))
	require.Equal(t, ModeAcquireAlignment, d.Mode())
}

func TestDisciplinor_TransitionsThroughCaptureIntoTrack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StabilizationGuard = 0
	cfg.SkipSamplesAfterStep = 0
	cfg.BiasCapturePulses = 5
	d := New(cfg, logrus.New())

	start := time.Unix(1_700_000_000, 0)
	ref := start
	local := start // aligned from the first tick, well inside capture range

	cmd := d.Step(baseTick(1, ref, local))
	require.Equal(t, CommandHold, cmd.Kind)
	require.Equal(t, ModeCaptureFrequencyBias, d.Mode())

	var lastCmd Command
	for i := uint64(2); i <= 6; i++ {
		ref = start.Add(time.Duration(i-1) * time.Second)
		local = ref // perfectly stable clock, zero bias
		lastCmd = d.Step(baseTick(i, ref, local))
	}
	require.Equal(t, ModeTrackAndCorrectDrift, d.Mode())
	require.Equal(t, CommandAdjustFrequency, lastCmd.Kind)
	require.InDelta(t, 0, lastCmd.FrequencyPPB, 1.0)
}

func TestDisciplinor_NoStepOrFrequencyCommandDuringCaptureWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BiasCapturePulses = 10
	d := New(cfg, logrus.New())

	start := time.Unix(1_700_000_000, 0)
	d.Step(baseTick(1, start, start))
	require.Equal(t, ModeCaptureFrequencyBias, d.Mode())

	for i := uint64(2); i <= 9; i++ {
		ref := start.Add(time.Duration(i-1) * time.Second)
		cmd := d.Step(baseTick(i, ref, ref))
		require.Equal(t, CommandHold, cmd.Kind, "no step/frequency command permitted inside the capture window")
		require.Equal(t, ModeCaptureFrequencyBias, d.Mode())
	}
}

func TestDisciplinor_ReferenceLossEntersHoldoverAndFreezesSteering(t *testing.T) {
	d := New(DefaultConfig(), logrus.New())
	d.lastSteering = 123.0

	tick := baseTick(1, time.Unix(0, 0), time.Unix(0, 0))
	tick.AssociationLocked = false
	cmd := d.Step(tick)

	require.Equal(t, ModeHoldover, d.Mode())
	require.Equal(t, CommandHold, cmd.Kind)
	require.Equal(t, 123.0, cmd.FrequencyPPB)
}

func TestDisciplinor_ReferenceRecoveryWithLargeOffsetReentersAcquire(t *testing.T) {
	d := New(DefaultConfig(), logrus.New())
	lost := baseTick(1, time.Unix(0, 0), time.Unix(0, 0))
	lost.AssociationLocked = false
	d.Step(lost)
	require.Equal(t, ModeHoldover, d.Mode())

	ref := time.Unix(1_700_000_000, 0)
	recovered := baseTick(2, ref, ref.Add(2*time.Second))
	d.Step(recovered)
	require.Equal(t, ModeAcquireAlignment, d.Mode(), "large offset on recovery re-enters acquire-alignment")
}

func TestDisciplinor_EmergencyStepDuringTrackReentersAcquire(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StabilizationGuard = 0
	cfg.SkipSamplesAfterStep = 0
	cfg.BiasCapturePulses = 3
	d := New(cfg, logrus.New())

	start := time.Unix(1_700_000_000, 0)
	d.Step(baseTick(1, start, start))
	for i := uint64(2); i <= 4; i++ {
		ref := start.Add(time.Duration(i-1) * time.Second)
		d.Step(baseTick(i, ref, ref))
	}
	require.Equal(t, ModeTrackAndCorrectDrift, d.Mode())

	ref := start.Add(5 * time.Second)
	local := ref.Add(800 * time.Millisecond)
	cmd := d.Step(baseTick(5, ref, local))
	require.Equal(t, CommandStep, cmd.Kind)
	require.Equal(t, ModeAcquireAlignment, d.Mode())
}

func TestClampPPBAndRateLimit(t *testing.T) {
	require.Equal(t, 100.0, clampPPB(500, 100))
	require.Equal(t, -100.0, clampPPB(-500, 100))
	require.Equal(t, 500.0, clampPPB(500, 0))

	require.Equal(t, 20.0, rateLimit(0, 100, 20))
	require.Equal(t, -20.0, rateLimit(0, -100, 20))
	require.Equal(t, 5.0, rateLimit(0, 5, 20))
}
