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

package rtcadapter

import (
	"fmt"
	"time"

	"periph.io/x/periph/conn/i2c"
)

// register layout of a DS3231-family temperature-compensated RTC: seven BCD
// time/date registers starting at 0x00, and a signed two's-complement aging
// offset register at 0x10.
const (
	regSeconds     = 0x00
	regMinutes     = 0x01
	regHours       = 0x02
	regDate        = 0x04
	regMonth       = 0x05
	regYear        = 0x06
	regAgingOffset = 0x10
)

// I2CRTC is an RTC Adapter backed by a DS3231-family chip reached over I2C.
type I2CRTC struct {
	bus  i2c.Bus
	addr uint16
}

// NewI2CRTC wraps an already-opened I2C bus. addr is the chip's 7-bit
// address (0x68 for DS3231).
func NewI2CRTC(bus i2c.Bus, addr uint16) *I2CRTC {
	return &I2CRTC{bus: bus, addr: addr}
}

func bcdToDec(b byte) int { return int(b>>4)*10 + int(b&0x0f) }
func decToBCD(d int) byte { return byte((d/10)<<4 | (d % 10)) }

func (r *I2CRTC) readRegisters(start byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if err := r.bus.Tx(r.addr, []byte{start}, out); err != nil {
		return nil, fmt.Errorf("i2c read from register 0x%02x: %w", start, err)
	}
	return out, nil
}

func (r *I2CRTC) writeRegister(reg, val byte) error {
	if err := r.bus.Tx(r.addr, []byte{reg, val}, nil); err != nil {
		return fmt.Errorf("i2c write to register 0x%02x: %w", reg, err)
	}
	return nil
}

// Read implements Adapter.
func (r *I2CRTC) Read() (time.Time, error) {
	regs, err := r.readRegisters(regSeconds, 7)
	if err != nil {
		return time.Time{}, err
	}
	sec := bcdToDec(regs[regSeconds] & 0x7f)
	minute := bcdToDec(regs[regMinutes] & 0x7f)
	hour := bcdToDec(regs[regHours] & 0x3f)
	date := bcdToDec(regs[regDate] & 0x3f)
	month := bcdToDec(regs[regMonth] & 0x1f)
	year := bcdToDec(regs[regYear]) + 2000
	return time.Date(year, time.Month(month), date, hour, minute, sec, 0, time.UTC), nil
}

// Step implements Adapter by rewriting the full time/date register block.
func (r *I2CRTC) Step(target time.Time) error {
	target = target.UTC()
	data := []byte{
		regSeconds,
		decToBCD(target.Second()),
		decToBCD(target.Minute()),
		decToBCD(target.Hour()),
		decToBCD(int(target.Weekday()) + 1),
		decToBCD(target.Day()),
		decToBCD(int(target.Month())),
		decToBCD(target.Year() % 100),
	}
	if err := r.bus.Tx(r.addr, data, nil); err != nil {
		return fmt.Errorf("i2c write time registers: %w", err)
	}
	return nil
}

// AdjustFrequency is not meaningful for a crystal RTC: frequency trim is
// only exposed through the discrete aging-offset register.
func (r *I2CRTC) AdjustFrequency(float64) error {
	return fmt.Errorf("rtcadapter: continuous frequency steering unsupported, use AdjustAgingOffset")
}

// MaxAdjustmentPPB implements Adapter; always 0 since AdjustFrequency is unsupported.
func (r *I2CRTC) MaxAdjustmentPPB() float64 { return 0 }

// ReadAgingOffset implements Adapter.
func (r *I2CRTC) ReadAgingOffset() (int8, error) {
	regs, err := r.readRegisters(regAgingOffset, 1)
	if err != nil {
		return 0, err
	}
	return int8(regs[0]), nil
}

// WriteAgingOffset implements Adapter.
func (r *I2CRTC) WriteAgingOffset(v int8) error {
	return r.writeRegister(regAgingOffset, byte(v))
}

// AdjustAgingOffset implements Adapter with a read-modify-write-clamp.
func (r *I2CRTC) AdjustAgingOffset(deltaLSB int8) (before, after int8, err error) {
	before, err = r.ReadAgingOffset()
	if err != nil {
		return 0, 0, err
	}
	after = clampAgingOffset(int(before) + int(deltaLSB))
	if err := r.WriteAgingOffset(after); err != nil {
		return before, before, err
	}
	return before, after, nil
}

var _ Adapter = (*I2CRTC)(nil)
