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

package clockadapter

import (
	"fmt"
	"os"
	"time"

	"github.com/facebook/gpsgm/phc"
)

// phcDevice is the subset of *phc.Device this package drives. Narrowed to an
// interface so PHCAdapter can be exercised against a fake in tests.
type phcDevice interface {
	Time() (time.Time, error)
	Step(step time.Duration) error
	AdjFreq(freqPPB float64) error
	MaxFreqAdjPPB() (float64, error)
}

// PHCAdapter drives a network interface controller's PTP Hardware Clock as
// the Local Clock.
type PHCAdapter struct {
	dev phcDevice

	maxPPB     float64
	maxPPBRead bool
}

// OpenPHCAdapter opens the given PHC character device (e.g. /dev/ptp0) with
// read-write access, as required to issue CLOCK_ADJTIME against it.
func OpenPHCAdapter(devicePath string) (*PHCAdapter, error) {
	f, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening PHC device %q: %w", devicePath, err)
	}
	return &PHCAdapter{dev: phc.FromFile(f)}, nil
}

// Read implements clockadapter.Adapter.
func (a *PHCAdapter) Read() (time.Time, error) {
	return a.dev.Time()
}

// Step implements clockadapter.Adapter.
func (a *PHCAdapter) Step(target time.Time) error {
	now, err := a.dev.Time()
	if err != nil {
		return fmt.Errorf("reading PHC time before step: %w", err)
	}
	return a.dev.Step(target.Sub(now))
}

// AdjustFrequency implements clockadapter.Adapter. ppb is absolute, as the
// hardware and kernel ioctl both expect.
func (a *PHCAdapter) AdjustFrequency(ppb float64) error {
	max := a.MaxAdjustmentPPB()
	if ppb > max {
		ppb = max
	} else if ppb < -max {
		ppb = -max
	}
	return a.dev.AdjFreq(ppb)
}

// MaxAdjustmentPPB implements clockadapter.Adapter, caching the hardware's
// reported capability after the first successful read.
func (a *PHCAdapter) MaxAdjustmentPPB() float64 {
	if a.maxPPBRead {
		return a.maxPPB
	}
	max, err := a.dev.MaxFreqAdjPPB()
	if err != nil || max == 0 {
		return phc.DefaultMaxClockFreqPPB
	}
	a.maxPPB = max
	a.maxPPBRead = true
	return a.maxPPB
}

var _ Adapter = (*PHCAdapter)(nil)
