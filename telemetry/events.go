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

package telemetry

import (
	"time"

	"github.com/sirupsen/logrus"
)

// EventKind names the fixed set of event-log entry types.
type EventKind string

// Event kinds named in the telemetry contract.
const (
	EventMappingLocked      EventKind = "mapping_locked"
	EventMappingUnlocked    EventKind = "mapping_unlocked"
	EventStepApplied        EventKind = "step_applied"
	EventBiasCaptured       EventKind = "bias_captured"
	EventBiasRejected       EventKind = "bias_rejected"
	EventAgingOffsetWritten EventKind = "aging_offset_written"
	EventEmergencyStep      EventKind = "emergency_step"
	EventHoldoverEntered    EventKind = "holdover_entered"
	EventHoldoverExited     EventKind = "holdover_exited"
)

// Event is one structured event-log entry.
type Event struct {
	Time   time.Time
	Kind   EventKind
	Fields map[string]interface{}
}

// EventLog appends Events to a logrus logger, one structured log line per
// event, tagged with the event kind.
type EventLog struct {
	log logrus.FieldLogger
}

// NewEventLog wraps log.
func NewEventLog(log logrus.FieldLogger) *EventLog {
	return &EventLog{log: log}
}

// Emit records one event.
func (e *EventLog) Emit(kind EventKind, fields map[string]interface{}) {
	entry := e.log.WithField("event", string(kind))
	for k, v := range fields {
		entry = entry.WithField(k, v)
	}
	entry.Info("discipline event")
}
