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

// Package rtcdiscipline drives the battery-backed RTC's aging-offset
// register from a drift observer run against (reference, rtc) offset
// pairs, so the RTC keeps useful accuracy through GPS outages.
package rtcdiscipline

import (
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/facebook/gpsgm/driftobserver"
	"github.com/facebook/gpsgm/rtcadapter"
)

// Config tunes the proportional control law and eligibility gate.
type Config struct {
	// PPMPerLSB is the aging-offset register's granularity.
	PPMPerLSB float64
	// MaxLSBDelta bounds a single adjustment's magnitude.
	MaxLSBDelta int8
	// ThresholdPPM is the minimum |drift| that makes an adjustment worth applying.
	ThresholdPPM float64
	// MinInterval is the minimum time between two applied adjustments.
	MinInterval time.Duration
	// MinSamplesBeforeFirstAdjustment gates the very first adjustment.
	MinSamplesBeforeFirstAdjustment int

	Observer driftobserver.Config
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		PPMPerLSB:                       0.1,
		MaxLSBDelta:                     3,
		ThresholdPPM:                    0.1,
		MinInterval:                     1200 * time.Second,
		MinSamplesBeforeFirstAdjustment: 60,
		Observer:                        driftobserver.DefaultConfig(),
	}
}

// Discipline wraps a Drift Observer against the (reference_utc_ns, rtc_ns)
// pair and periodically writes a corrected aging offset to the RTC.
type Discipline struct {
	cfg Config
	obs *driftobserver.Observer
	rtc rtcadapter.Adapter
	log logrus.FieldLogger

	lastAdjustment    time.Time
	everAdjusted      bool
	sampleCountAtGate int
}

// New creates a Discipline driving rtc.
func New(cfg Config, rtc rtcadapter.Adapter, log logrus.FieldLogger) *Discipline {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Discipline{
		cfg: cfg,
		obs: driftobserver.New(cfg.Observer),
		rtc: rtc,
		log: log,
	}
}

// Update feeds one (referenceUTC, rtcTime) sample. It returns the
// adjustment applied, if any.
func (d *Discipline) Update(referenceUTC, rtcTime time.Time, now time.Time) (applied bool, before, after int8, err error) {
	d.obs.Update(referenceUTC.UnixNano(), rtcTime.UnixNano())

	est := d.obs.Estimate()
	d.sampleCountAtGate = est.ValidSamples
	if !est.Trustworthy {
		return false, 0, 0, nil
	}
	driftPPM := est.DriftPPM

	if !d.eligible(driftPPM, now) {
		return false, 0, 0, nil
	}

	before, after, err = d.apply(driftPPM)
	if err != nil {
		return false, 0, 0, fmt.Errorf("applying aging-offset adjustment: %w", err)
	}
	d.lastAdjustment = now
	d.everAdjusted = true
	d.obs.Notify(driftobserver.EventFrequencyAdjusted)
	d.log.WithFields(logrus.Fields{
		"drift_ppm": driftPPM,
		"before":    before,
		"after":     after,
	}).Info("rtc aging offset adjusted")
	return true, before, after, nil
}

func (d *Discipline) eligible(driftPPM float64, now time.Time) bool {
	if math.Abs(driftPPM) < d.cfg.ThresholdPPM {
		return false
	}
	if d.sampleCountAtGate < d.cfg.MinSamplesBeforeFirstAdjustment {
		return false
	}
	if d.everAdjusted && now.Sub(d.lastAdjustment) < d.cfg.MinInterval {
		return false
	}
	return true
}

// apply performs the proportional control law and read-modify-write-clamp
// on the RTC's aging-offset register.
func (d *Discipline) apply(driftPPM float64) (before, after int8, err error) {
	deltaLSB := int8(clamp(math.Round(driftPPM/d.cfg.PPMPerLSB), float64(-d.cfg.MaxLSBDelta), float64(d.cfg.MaxLSBDelta)))
	// The minus sign reflects that positive aging makes the RTC slower.
	return d.rtc.AdjustAgingOffset(-deltaLSB)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
