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

// Package clockadapter defines the Local-Clock Adapter contract the
// disciplinor issues commands through, plus a PHC-backed implementation.
package clockadapter

import "time"

// Adapter is the Local-Clock Adapter contract. Frequency adjustment is
// absolute: the caller always supplies the full desired steering value, not
// a delta, so there is no cumulative state to get out of sync with hardware.
type Adapter interface {
	// Read returns the clock's current time.
	Read() (time.Time, error)
	// Step jumps the clock directly to target.
	Step(target time.Time) error
	// AdjustFrequency sets the clock's absolute frequency offset in PPB.
	AdjustFrequency(ppb float64) error
	// MaxAdjustmentPPB returns the largest frequency offset the hardware accepts.
	MaxAdjustmentPPB() float64
}
