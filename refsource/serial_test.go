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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePPSWaiter struct {
	seq    uint64
	monoNS int64
	err    error
}

func (f *fakePPSWaiter) WaitPPS(ctx context.Context) (uint64, int64, error) {
	return f.seq, f.monoNS, f.err
}

func TestSerialNMEAProvider_NextTickUsesLatestDecodedNMEA(t *testing.T) {
	p := &SerialNMEAProvider{
		pps:  &fakePPSWaiter{seq: 42, monoNS: 123456},
		done: make(chan struct{}),
	}
	p.mu.Lock()
	p.lastUTCSec = 1700000000
	p.lastArrivalNS = 999
	p.lastFixValid = true
	p.haveNMEA = true
	p.mu.Unlock()

	tick, err := p.NextTick(context.Background(), time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, uint64(42), tick.PPSSeq)
	require.Equal(t, int64(123456), tick.MonotonicCaptureNS)
	require.Equal(t, uint64(1700000000), tick.NMEAUTCSec)
	require.True(t, tick.FixValid)
	require.True(t, tick.HasNMEA)
}

func TestSerialNMEAProvider_NextTickPropagatesPPSError(t *testing.T) {
	p := &SerialNMEAProvider{
		pps:  &fakePPSWaiter{err: context.DeadlineExceeded},
		done: make(chan struct{}),
	}
	_, err := p.NextTick(context.Background(), time.Now().Add(time.Second))
	require.Error(t, err)
}
