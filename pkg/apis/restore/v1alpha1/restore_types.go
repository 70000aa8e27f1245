/*
Copyright 2025 The devicekit Authors.

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

package v1alpha1

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the overall outcome of a restore run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Well-known step names. Progress steps come from the restore tool's output.
const (
	StepValidate     = "validate"
	StepDryRun       = "dry-run"
	StepTool         = "tool"
	StepExtract      = "extract"
	StepSend         = "send"
	StepRestore      = "restore"
	StepFlash        = "flash"
	StepVerify       = "verify"
	StepReboot       = "reboot"
	StepWipe         = "wipe"
	StepError        = "error"
	StepImageChanged = "image-changed"
	StepTimeout      = "timeout"
	StepInterrupted  = "interrupted"
	StepComplete     = "complete"
	StepExit         = "exit"
)

// RestoreStep is one recorded stage of a restore run. Steps are append-only.
type RestoreStep struct {
	Name      string    `json:"name"`
	OK        bool      `json:"ok"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RestoreResult is the auditable record of a single restore attempt.
// It is only produced once the external process has terminated.
type RestoreResult struct {
	Status      Status        `json:"status"`
	UDID        string        `json:"udid"`
	IPSW        string        `json:"ipsw"`
	Wipe        bool          `json:"wipe"`
	Steps       []RestoreStep `json:"steps"`
	LogFile     string        `json:"logfile"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	DurationSec float64       `json:"duration_sec"`
}

// StatusFor derives the overall status: success iff the process exited
// cleanly (or none was needed) and every step is ok.
func StatusFor(steps []RestoreStep, processClean bool) Status {
	if !processClean {
		return StatusFailure
	}
	for _, s := range steps {
		if !s.OK {
			return StatusFailure
		}
	}
	return StatusSuccess
}

// LastStep returns the most recently recorded step, or nil.
func (r *RestoreResult) LastStep() *RestoreStep {
	if len(r.Steps) == 0 {
		return nil
	}
	return &r.Steps[len(r.Steps)-1]
}

// Validate checks field presence and enumerated values.
func (r *RestoreResult) Validate() error {
	switch r.Status {
	case StatusSuccess, StatusFailure:
	default:
		return fmt.Errorf("restore result: status must be %q or %q, got %q", StatusSuccess, StatusFailure, r.Status)
	}
	if r.LogFile == "" {
		return fmt.Errorf("restore result: logfile is required")
	}
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return fmt.Errorf("restore result: started_at and finished_at are required")
	}
	if r.FinishedAt.Before(r.StartedAt) {
		return fmt.Errorf("restore result: finished_at precedes started_at")
	}
	for i, s := range r.Steps {
		if s.Name == "" {
			return fmt.Errorf("restore result: step %d has no name", i)
		}
	}
	return nil
}

// MarshalJSON guarantees steps serialise as a list, never null.
func (r RestoreResult) MarshalJSON() ([]byte, error) {
	type plain RestoreResult
	p := plain(r)
	if p.Steps == nil {
		p.Steps = []RestoreStep{}
	}
	return json.Marshal(p)
}
