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

// Package config reads and validates the YAML configuration surface for
// the grandmaster daemon.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/facebook/gpsgm/associationlock"
	"github.com/facebook/gpsgm/disciplinor"
	"github.com/facebook/gpsgm/driftobserver"
	"github.com/facebook/gpsgm/rtcdiscipline"
)

// Config is the full configuration surface, unmarshaled from YAML.
type Config struct {
	GPSDevice   string `yaml:"gps_device"`
	GPSBaud     int    `yaml:"gps_baud"`
	PHCDevice   string `yaml:"phc_device"`
	PPSPinIndex uint32 `yaml:"pps_pin_index"`

	RTCI2CBus  string `yaml:"rtc_i2c_bus"`
	RTCI2CAddr uint16 `yaml:"rtc_i2c_addr"`

	RTIsolatedCPU int `yaml:"rt_isolated_cpu"`
	RTPriority    int `yaml:"rt_priority"`

	LockConfirmationCount int           `yaml:"lock_confirmation_count"`
	NMEALatencyMinMS      int           `yaml:"nmea_latency_min_ms"`
	NMEALatencyMaxMS      int           `yaml:"nmea_latency_max_ms"`

	StartupStepThresholdNS   int64   `yaml:"startup_step_threshold_ns"`
	RunStepThresholdNS       int64   `yaml:"run_step_threshold_ns"`
	EmergencyStepThresholdNS int64   `yaml:"emergency_step_threshold_ns"`
	BiasCapturePulses        int     `yaml:"bias_capture_pulses"`
	DriftSoftPPM             float64 `yaml:"drift_soft_ppm"`
	DriftHardPPM             float64 `yaml:"drift_hard_ppm"`
	EMAAlpha                 float64 `yaml:"ema_alpha"`
	MaxFreqStepPPB           float64 `yaml:"max_freq_step_ppb"`

	Observer ObserverConfig `yaml:"observer"`

	RTCDiscipline RTCDisciplineConfig `yaml:"rtc_discipline"`

	HintFile string `yaml:"hint_file"`
}

// ObserverConfig mirrors the observer.* configuration keys.
type ObserverConfig struct {
	WindowSize          int     `yaml:"window_size"`
	MinValidSamples     int     `yaml:"min_valid_samples"`
	MaxDtRefDeviationNS int64   `yaml:"max_dt_ref_deviation_ns"`
	MaxOffsetStepNS     int64   `yaml:"max_offset_step_ns"`
	OutlierMADSigma     float64 `yaml:"outlier_mad_sigma"`
	UseLinearRegression bool    `yaml:"use_linear_regression"`
	HoldoffAfterStep    int     `yaml:"holdoff_after_step_ticks"`
	HoldoffAfterFreq    int     `yaml:"holdoff_after_freq_ticks"`
	HoldoffAfterRef     int     `yaml:"holdoff_after_ref_ticks"`
	MaxDriftStddevPPM   float64 `yaml:"max_drift_stddev_ppm"`
}

// RTCDisciplineConfig mirrors the rtc_discipline.* configuration keys.
type RTCDisciplineConfig struct {
	PPMPerLSB                       float64 `yaml:"ppm_per_lsb"`
	MaxLSBDelta                     int8    `yaml:"max_lsb_delta"`
	MinIntervalS                    int     `yaml:"min_interval_s"`
	MinSamplesBeforeFirstAdjustment int     `yaml:"min_samples_before_first_adjustment"`
}

// Default returns a Config populated with every documented default.
func Default() *Config {
	return &Config{
		GPSBaud:                  4800,
		RTCI2CAddr:               0x68,
		RTIsolatedCPU:            2,
		RTPriority:               80,
		LockConfirmationCount:    5,
		NMEALatencyMinMS:         20,
		NMEALatencyMaxMS:         800,
		StartupStepThresholdNS:   100_000_000,
		RunStepThresholdNS:       1_000_000_000,
		EmergencyStepThresholdNS: 700_000_000,
		BiasCapturePulses:        20,
		DriftSoftPPM:             200,
		DriftHardPPM:             2000,
		EMAAlpha:                 0.1,
		MaxFreqStepPPB:           20000,
		Observer: ObserverConfig{
			WindowSize:          120,
			MinValidSamples:     30,
			MaxDtRefDeviationNS: 2_000_000,
			MaxOffsetStepNS:     1_000_000,
			OutlierMADSigma:     4.5,
			UseLinearRegression: true,
			HoldoffAfterStep:    5,
			HoldoffAfterFreq:    2,
			HoldoffAfterRef:     10,
			MaxDriftStddevPPM:   5.0,
		},
		RTCDiscipline: RTCDisciplineConfig{
			PPMPerLSB:                       0.1,
			MaxLSBDelta:                     3,
			MinIntervalS:                    1200,
			MinSamplesBeforeFirstAdjustment: 60,
		},
	}
}

// EvalAndValidate checks the configuration is self-consistent.
func (c *Config) EvalAndValidate() error {
	if c.GPSDevice == "" {
		return fmt.Errorf("bad config: 'gps_device' must be set")
	}
	if c.PHCDevice == "" {
		return fmt.Errorf("bad config: 'phc_device' must be set")
	}
	if c.LockConfirmationCount < 1 {
		return fmt.Errorf("bad config: 'lock_confirmation_count' must be >= 1")
	}
	if c.NMEALatencyMinMS < 0 || c.NMEALatencyMaxMS <= c.NMEALatencyMinMS {
		return fmt.Errorf("bad config: nmea latency band is empty or negative")
	}
	if c.BiasCapturePulses < 1 {
		return fmt.Errorf("bad config: 'bias_capture_pulses' must be >= 1")
	}
	if c.Observer.WindowSize < c.Observer.MinValidSamples {
		return fmt.Errorf("bad config: 'observer.window_size' must be >= 'observer.min_valid_samples'")
	}
	if c.RTCDiscipline.MinIntervalS < 0 {
		return fmt.Errorf("bad config: 'rtc_discipline.min_interval_s' must be >= 0")
	}
	return nil
}

// ReadConfig reads and strictly unmarshals a YAML config file.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	c := Default()
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return c, nil
}

// AssociationLock builds an associationlock.Config from this configuration.
func (c *Config) AssociationLock() associationlock.Config {
	return associationlock.Config{
		ConfirmationCount: c.LockConfirmationCount,
		LatencyMin:        time.Duration(c.NMEALatencyMinMS) * time.Millisecond,
		LatencyMax:        time.Duration(c.NMEALatencyMaxMS) * time.Millisecond,
	}
}

// DriftObserver builds a driftobserver.Config from this configuration.
func (c *Config) DriftObserver() driftobserver.Config {
	method := driftobserver.MethodLinearRegression
	if !c.Observer.UseLinearRegression {
		method = driftobserver.MethodMeanOfDeltas
	}
	return driftobserver.Config{
		Capacity:                  c.Observer.WindowSize,
		Method:                    method,
		MinValidSamples:           c.Observer.MinValidSamples,
		MaxDTReferenceDeviationNS: float64(c.Observer.MaxDtRefDeviationNS),
		MaxOffsetStepNS:           float64(c.Observer.MaxOffsetStepNS),
		OutlierMADSigma:           c.Observer.OutlierMADSigma,
		MaxPlausibleDriftPPM:      c.DriftHardPPM,
		HoldoffAfterStep:          c.Observer.HoldoffAfterStep,
		HoldoffAfterFreq:          c.Observer.HoldoffAfterFreq,
		HoldoffAfterRef:           c.Observer.HoldoffAfterRef,
		MaxDriftStddevPPM:         c.Observer.MaxDriftStddevPPM,
	}
}

// Disciplinor builds a disciplinor.Config from this configuration.
func (c *Config) Disciplinor() disciplinor.Config {
	d := disciplinor.DefaultConfig()
	d.StartupStepThreshold = time.Duration(c.StartupStepThresholdNS) * time.Nanosecond
	d.RunStepThreshold = time.Duration(c.RunStepThresholdNS) * time.Nanosecond
	d.EmergencyStepThreshold = time.Duration(c.EmergencyStepThresholdNS) * time.Nanosecond
	d.BiasCapturePulses = c.BiasCapturePulses
	d.DriftHardPPM = c.DriftHardPPM
	d.DriftSoftPPM = c.DriftSoftPPM
	d.EMAAlpha = c.EMAAlpha
	d.MaxFreqStepPPB = c.MaxFreqStepPPB
	d.Observer = c.DriftObserver()
	return d
}

// RTCDisciplinor builds an rtcdiscipline.Config from this configuration.
func (c *Config) RTCDisciplinor() rtcdiscipline.Config {
	r := rtcdiscipline.DefaultConfig()
	r.PPMPerLSB = c.RTCDiscipline.PPMPerLSB
	r.MaxLSBDelta = c.RTCDiscipline.MaxLSBDelta
	r.MinInterval = time.Duration(c.RTCDiscipline.MinIntervalS) * time.Second
	r.MinSamplesBeforeFirstAdjustment = c.RTCDiscipline.MinSamplesBeforeFirstAdjustment
	r.Observer = c.DriftObserver()
	return r
}
