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

package refsource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/facebook/gpsgm/phc"
)

// PHCPPSWaiter is a PPSWaiter backed by a PHC device's external timestamp
// (PTP_EXTTS) pin, the kernel-level PPS input most GPS disciplined PHCs
// expose. It has no notion of sequence numbers of its own; WaitPPS assigns
// one sequentially as each edge is delivered.
type PHCPPSWaiter struct {
	dev *phc.Device

	mu  sync.Mutex
	seq uint64
}

// NewPHCPPSWaiter arms external timestamping on pinIndex and returns a
// waiter that blocks on PTP_EXTTS events from it.
func NewPHCPPSWaiter(dev *phc.Device, pinIndex uint32) (*PHCPPSWaiter, error) {
	if err := dev.RequestExternalTimestamp(pinIndex, true); err != nil {
		return nil, fmt.Errorf("arming external timestamp on pin %d: %w", pinIndex, err)
	}
	return &PHCPPSWaiter{dev: dev}, nil
}

// WaitPPS implements PPSWaiter.
func (w *PHCPPSWaiter) WaitPPS(ctx context.Context) (seq uint64, monotonicCaptureNS int64, err error) {
	type result struct {
		evt phc.PTPExtTTS
		err error
	}
	ch := make(chan result, 1)
	go func() {
		evt, err := w.dev.ReadExternalTimestampEvent()
		ch <- result{evt, err}
	}()

	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return 0, 0, r.err
		}
		w.mu.Lock()
		w.seq++
		seq = w.seq
		w.mu.Unlock()
		return seq, time.Unix(r.evt.T.Sec, int64(r.evt.T.NSec)).UnixNano(), nil
	}
}

var _ PPSWaiter = (*PHCPPSWaiter)(nil)
