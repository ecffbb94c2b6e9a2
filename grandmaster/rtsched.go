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

package grandmaster

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pinCurrentThreadRT pins the calling OS thread to cpu and raises it to
// SCHED_FIFO at priority prio. Callers must have already called
// runtime.LockOSThread so the calling goroutine owns the OS thread for its
// lifetime.
func pinCurrentThreadRT(cpu, prio int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("sched_setaffinity to cpu %d: %w", cpu, err)
	}

	sp := &unix.SchedParam{Priority: int32(prio)}
	if err := unix.SchedSetscheduler(0, unix.SCHED_FIFO, sp); err != nil {
		return fmt.Errorf("sched_setscheduler SCHED_FIFO priority %d: %w", prio, err)
	}
	return nil
}
