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
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// PPSWaiter abstracts away the hardware PPS edge source (a PHC external
// timestamp pin, a /dev/pps line discipline, or similar). It is supplied by
// the caller; this package only consumes it.
type PPSWaiter interface {
	// WaitPPS blocks until the next PPS edge fires or ctx is done, and
	// returns the edge's sequence number and monotonic capture timestamp.
	WaitPPS(ctx context.Context) (seq uint64, monotonicCaptureNS int64, err error)
}

// SerialNMEAProvider is a Provider backed by a PPS-capable device and a GPS
// receiver's NMEA serial stream. It opens the port with go.bug.st/serial and
// hands each line to a Decoder; sentence grammar itself is out of scope.
type SerialNMEAProvider struct {
	pps     PPSWaiter
	port    serial.Port
	decoder Decoder

	mu            sync.Mutex
	lastUTCSec    uint64
	lastArrivalNS int64
	lastFixValid  bool
	haveNMEA      bool

	closeOnce sync.Once
	done      chan struct{}
}

// SerialConfig describes how to open the GPS receiver's serial port.
type SerialConfig struct {
	Port     string
	BaudRate int
}

// NewSerialNMEAProvider opens the serial port and starts the background
// sentence reader. The PPSWaiter must already be initialized against the
// same receiver's 1PPS output.
func NewSerialNMEAProvider(cfg SerialConfig, pps PPSWaiter, decoder Decoder) (*SerialNMEAProvider, error) {
	mode := &serial.Mode{BaudRate: cfg.BaudRate}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("opening GPS serial port %q: %w", cfg.Port, err)
	}
	if err := port.SetReadTimeout(time.Second); err != nil {
		port.Close()
		return nil, fmt.Errorf("setting read timeout on %q: %w", cfg.Port, err)
	}

	p := &SerialNMEAProvider{
		pps:     pps,
		port:    port,
		decoder: decoder,
		done:    make(chan struct{}),
	}
	go p.readLoop()
	return p, nil
}

func (p *SerialNMEAProvider) readLoop() {
	scanner := bufio.NewScanner(p.port)
	for scanner.Scan() {
		select {
		case <-p.done:
			return
		default:
		}
		line := scanner.Text()
		arrivalNS := time.Now().UnixNano()
		utcSec, arrival, fixValid, ok := p.decoder.Decode(line, arrivalNS)
		if !ok {
			continue
		}
		p.mu.Lock()
		p.lastUTCSec = utcSec
		p.lastArrivalNS = arrival
		p.lastFixValid = fixValid
		p.haveNMEA = true
		p.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		log.Warningf("refsource: NMEA reader stopped: %v", err)
	}
}

// NextTick implements Provider.
func (p *SerialNMEAProvider) NextTick(ctx context.Context, deadline time.Time) (Tick, error) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	seq, monoNS, err := p.pps.WaitPPS(ctx)
	if err != nil {
		return Tick{}, fmt.Errorf("waiting for PPS edge: %w", err)
	}

	p.mu.Lock()
	tick := Tick{
		PPSSeq:                 seq,
		MonotonicCaptureNS:     monoNS,
		NMEAUTCSec:             p.lastUTCSec,
		NMEAArrivalMonotonicNS: p.lastArrivalNS,
		FixValid:               p.lastFixValid,
		HasNMEA:                p.haveNMEA,
	}
	p.mu.Unlock()
	return tick, nil
}

// Close implements Provider.
func (p *SerialNMEAProvider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.port.Close()
	})
	return err
}
