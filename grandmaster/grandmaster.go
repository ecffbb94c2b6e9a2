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

// Package grandmaster implements the Controller: the two-thread
// orchestration loop that wires the Reference Provider, the Association
// Lock, the Drift Observer(s), the Disciplinor, and the Clock/RTC
// Adapters together.
package grandmaster

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/facebook/gpsgm/associationlock"
	"github.com/facebook/gpsgm/clockadapter"
	"github.com/facebook/gpsgm/config"
	"github.com/facebook/gpsgm/disciplinor"
	"github.com/facebook/gpsgm/leapsec"
	"github.com/facebook/gpsgm/refsource"
	"github.com/facebook/gpsgm/rtcadapter"
	"github.com/facebook/gpsgm/rtcdiscipline"
	"github.com/facebook/gpsgm/telemetry"
)

// Config tunes scheduling and the tick deadline.
type Config struct {
	// RTIsolatedCPU is the processor the tick thread is pinned to. A
	// value < 0 disables pinning (useful off the target hardware).
	RTIsolatedCPU int
	// RTPriority is the SCHED_FIFO priority applied to the tick thread.
	RTPriority int
	// TickTimeout bounds NextTick's wait for the next PPS edge.
	TickTimeout time.Duration
	// WakeLatencySLA is the RT-thread wake latency budget; breaches are logged.
	WakeLatencySLA time.Duration
	// HintFile optionally persists a warm-start hint across restarts. Empty
	// disables persistence.
	HintFile string

	Disciplinor disciplinor.Config
	AssocLock   associationlock.Config
}

// DefaultConfig matches the documented concurrency model defaults.
func DefaultConfig() Config {
	return Config{
		RTIsolatedCPU:  2,
		RTPriority:     80,
		TickTimeout:    2 * time.Second,
		WakeLatencySLA: 10 * time.Millisecond,
		Disciplinor:    disciplinor.DefaultConfig(),
		AssocLock:      associationlock.DefaultConfig(),
	}
}

// sharedTick is the sole cross-thread mutable record, guarded by mu.
type sharedTick struct {
	mu           sync.Mutex
	valid        bool
	tick         refsource.Tick
	wokeAtMonoNS int64
}

func (s *sharedTick) publish(t refsource.Tick, wokeAtMonoNS int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick = t
	s.wokeAtMonoNS = wokeAtMonoNS
	s.valid = true
}

func (s *sharedTick) take() (refsource.Tick, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		return refsource.Tick{}, 0, false
	}
	s.valid = false
	return s.tick, s.wokeAtMonoNS, true
}

// Controller sequences the core components; it holds no timing logic of
// its own.
type Controller struct {
	cfg Config
	log logrus.FieldLogger

	provider refsource.Provider
	clock    clockadapter.Adapter
	rtc      rtcadapter.Adapter

	lock          *associationlock.Lock
	disciplinor   *disciplinor.Disciplinor
	rtcDiscipline *rtcdiscipline.Discipline

	stats   *telemetry.Stats
	events  *telemetry.EventLog
	tickLog telemetry.TickLogger

	shared sharedTick

	leap *leapsec.Table

	lastSeq     uint64
	haveLastSeq bool
}

// New wires a Controller from its collaborators.
func New(
	cfg Config,
	provider refsource.Provider,
	clock clockadapter.Adapter,
	rtc rtcadapter.Adapter,
	rtcDisciplineCfg rtcdiscipline.Config,
	stats *telemetry.Stats,
	log logrus.FieldLogger,
) *Controller {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if stats == nil {
		stats = telemetry.NewStats()
	}
	leap, err := leapsec.Load()
	if err != nil {
		log.WithError(err).Warn("failed to load leap second table, TAI offset reporting disabled")
		leap = nil
	}
	if hints, err := config.LoadHints(cfg.HintFile); err != nil {
		log.WithError(err).Warn("failed to load restart hint file")
	} else if hints.CapturedBiasPPB != 0 {
		log.WithField("captured_bias_ppb", hints.CapturedBiasPPB).Info("found prior frequency bias hint, will re-measure before trusting it")
	}
	return &Controller{
		cfg:           cfg,
		log:           log,
		provider:      provider,
		clock:         clock,
		rtc:           rtc,
		lock:          associationlock.New(cfg.AssocLock, nil),
		disciplinor:   disciplinor.New(cfg.Disciplinor, log),
		rtcDiscipline: rtcdiscipline.New(rtcDisciplineCfg, rtc, log),
		stats:         stats,
		events:        telemetry.NewEventLog(log),
		tickLog:       telemetry.NewCSVTickLogger(discardWriter{}),
		leap:          leap,
	}
}

// SetTickLogger overrides the per-tick CSV sink (default discards).
func (c *Controller) SetTickLogger(l telemetry.TickLogger) { c.tickLog = l }

// Run drives the two-thread loop until ctx is canceled. The tick goroutine
// is pinned to an isolated, real-time-scheduled core; the worker goroutine
// runs everything else cooperatively.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.runTickThread(ctx) })
	g.Go(func() error { return c.runWorkerThread(ctx) })

	err := g.Wait()
	c.saveHints()
	return err
}

func (c *Controller) saveHints() {
	if c.cfg.HintFile == "" {
		return
	}
	var agingOffset int8
	if c.rtc != nil {
		if v, err := c.rtc.ReadAgingOffset(); err == nil {
			agingOffset = v
		}
	}
	hints := &config.Hints{
		CapturedBiasPPB: c.disciplinor.CapturedBiasPPB(),
		RTCAgingOffset:  agingOffset,
		SavedAtUnixSec:  time.Now().Unix(),
	}
	if err := hints.Save(c.cfg.HintFile); err != nil {
		c.log.WithError(err).Warn("failed to save restart hint file")
	}
}

// runTickThread is the real-time thread: wait for PPS, sample clocks,
// publish, repeat. It never allocates steady-state beyond the Tick value
// itself and never blocks on anything but the provider.
func (c *Controller) runTickThread(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if c.cfg.RTIsolatedCPU >= 0 {
		if err := pinCurrentThreadRT(c.cfg.RTIsolatedCPU, c.cfg.RTPriority); err != nil {
			c.log.WithError(err).Warn("failed to pin tick thread to real-time scheduling, continuing unpinned")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		deadline := time.Now().Add(c.cfg.TickTimeout)
		t, err := c.provider.NextTick(ctx, deadline)
		wokeAt := time.Now()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.stats.UpdateCounterBy("missing_ticks", 1)
			c.log.WithError(err).Warn("next tick wait failed")
			continue
		}

		latency := wokeAt.Sub(time.Unix(0, t.MonotonicCaptureNS))
		if latency > c.cfg.WakeLatencySLA {
			c.stats.UpdateCounterBy("wake_latency_sla_breach", 1)
		}

		c.shared.publish(t, wokeAt.UnixNano())
	}
}

// runWorkerThread is the cooperative thread: Association Lock, Observer
// updates, Disciplinor, RTC Discipline, command issue, logging.
func (c *Controller) runWorkerThread(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TickTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.drainTicks()
		}
	}
}

func (c *Controller) drainTicks() {
	for {
		t, wokeAtMonoNS, ok := c.shared.take()
		if !ok {
			return
		}
		c.processTick(t, wokeAtMonoNS)
	}
}

func (c *Controller) processTick(t refsource.Tick, wokeAtMonoNS int64) {
	dropout := c.haveLastSeq && t.PPSSeq != c.lastSeq+1
	if dropout {
		c.stats.UpdateCounterBy("missing_ticks", 1)
		c.events.Emit(telemetry.EventMappingUnlocked, map[string]interface{}{"reason": "seq gap", "seq": t.PPSSeq})
	}
	c.lastSeq = t.PPSSeq
	c.haveLastSeq = true

	wasLocked := c.lock.State() == associationlock.Locked
	var lockState associationlock.State
	if t.HasNMEA {
		lockState = c.lock.Ingest(t.PPSSeq, t.MonotonicCaptureNS, t.NMEAUTCSec, t.NMEAArrivalMonotonicNS)
	} else {
		lockState = c.lock.State()
	}
	nowLocked := lockState == associationlock.Locked
	if nowLocked && !wasLocked {
		c.events.Emit(telemetry.EventMappingLocked, map[string]interface{}{"seq": t.PPSSeq})
	} else if !nowLocked && wasLocked {
		c.events.Emit(telemetry.EventMappingUnlocked, map[string]interface{}{"seq": t.PPSSeq})
	}

	referenceNS, ok := c.lock.UTCFor(t.PPSSeq)
	if !ok {
		c.runDisciplinorTick(disciplinor.Tick{
			PPSSeq:            t.PPSSeq,
			AssociationLocked: false,
			ReferenceGood:     false,
		})
		return
	}
	referenceUTC := time.Unix(0, referenceNS)

	localNow, err := c.clock.Read()
	if err != nil {
		c.log.WithError(err).Error("reading local clock failed")
		c.stats.UpdateCounterBy("clock_read_error", 1)
		return
	}

	cmd := c.runDisciplinorTick(disciplinor.Tick{
		PPSSeq:            t.PPSSeq,
		ReferenceUTC:      referenceUTC,
		LocalNow:          localNow,
		AssociationLocked: nowLocked,
		ReferenceGood:     t.FixValid,
		PulseContinuity:   !dropout,
		DTReferenceInBand: true,
		MaxAdjustmentPPB:  c.clock.MaxAdjustmentPPB(),
	})
	c.applyCommand(cmd, t.PPSSeq)

	var taiOffset int32
	if c.leap != nil {
		taiOffset = c.leap.OffsetAt(referenceUTC)
	}
	est := c.disciplinor.LastEstimate()
	record := &telemetry.TickRecord{
		PPSSeq:              t.PPSSeq,
		Dropout:             dropout,
		ReferenceUTCNS:      referenceUTC.UnixNano(),
		LocalClockNS:        localNow.UnixNano(),
		OffsetNS:            float64(localNow.Sub(referenceUTC).Nanoseconds()),
		DriftPPBRaw:         est.DriftPPM * 1000,
		DriftPPBFiltered:    c.disciplinor.LastFilteredDriftPPB(),
		FrequencyBiasPPB:    c.disciplinor.CapturedBiasPPB(),
		FrequencyTotalPPB:   cmd.FrequencyPPB,
		ServoMode:           c.disciplinor.Mode().String(),
		EstimateReady:       est.Ready,
		EstimateTrustworthy: est.Trustworthy,
		HealthFlags:         uint32(est.HealthFlags),
		TAIOffsetS:          taiOffset,
	}
	if err := c.tickLog.Log(record); err != nil {
		c.log.WithError(err).Warn("tick log write failed")
	}

	if rtcNow, err := c.rtc.Read(); err == nil {
		applied, before, after, err := c.rtcDiscipline.Update(referenceUTC, rtcNow, time.Now())
		if err != nil {
			c.log.WithError(err).Error("rtc discipline update failed")
		} else if applied {
			c.events.Emit(telemetry.EventAgingOffsetWritten, map[string]interface{}{"before": before, "after": after})
		}
	}

	c.stats.SetCounter("pps_seq", int64(t.PPSSeq))
	_ = wokeAtMonoNS
}

func (c *Controller) runDisciplinorTick(t disciplinor.Tick) disciplinor.Command {
	cmd := c.disciplinor.Step(t)
	c.stats.SetCounter("servo_mode", int64(c.disciplinor.Mode()))
	return cmd
}

func (c *Controller) applyCommand(cmd disciplinor.Command, seq uint64) {
	switch cmd.Kind {
	case disciplinor.CommandStep:
		if err := c.clock.Step(cmd.StepTarget); err != nil {
			c.log.WithError(err).Error("clock step failed")
			return
		}
		c.events.Emit(telemetry.EventStepApplied, map[string]interface{}{"seq": seq, "target": cmd.StepTarget})
	case disciplinor.CommandAdjustFrequency:
		if err := c.clock.AdjustFrequency(cmd.FrequencyPPB); err != nil {
			c.log.WithError(err).Error("clock frequency adjustment failed")
			return
		}
		c.stats.SetCounter("frequency_total_ppb", int64(cmd.FrequencyPPB))
	case disciplinor.CommandHold:
		// command frozen at previous value; nothing to apply.
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
