// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// metricsTracker snapshots the process's resource use across one
// execution: CPU time as deltas from construction, RSS as the absolute
// peak. Collection is best effort; a tracker that failed to initialize
// reports zeros.
type metricsTracker struct {
	proc       *process.Process
	baseUser   float64
	baseSystem float64
}

func newMetricsTracker() *metricsTracker {
	t := &metricsTracker{}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return t
	}
	t.proc = proc
	if times, err := proc.Times(); err == nil {
		t.baseUser = times.User
		t.baseSystem = times.System
	}
	return t
}

// Snapshot reads the current deltas and peak RSS.
func (t *metricsTracker) Snapshot() *Metrics {
	m := &Metrics{}
	if t.proc != nil {
		if times, err := t.proc.Times(); err == nil {
			m.CPUUserSeconds = times.User - t.baseUser
			m.CPUSystemSeconds = times.System - t.baseSystem
			if m.CPUUserSeconds < 0 {
				m.CPUUserSeconds = 0
			}
			if m.CPUSystemSeconds < 0 {
				m.CPUSystemSeconds = 0
			}
			m.CPUTotalSeconds = m.CPUUserSeconds + m.CPUSystemSeconds
		}
	}

	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err == nil {
		m.PeakMemoryBytes = peakRSSBytes(int64(ru.Maxrss))
	}
	return m
}

// peakRSSBytes normalizes getrusage's Maxrss to bytes: Linux reports
// KiB, Darwin reports bytes.
func peakRSSBytes(maxrss int64) int64 {
	if runtime.GOOS == "darwin" {
		return maxrss
	}
	return maxrss * 1024
}
