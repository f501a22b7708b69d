package domain

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"
)

// WorkerDescriptor is the static definition of one supervised worker.
// Descriptors are loaded once and never mutated afterwards.
type WorkerDescriptor struct {
	ID               string            `yaml:"id" json:"id"`
	GPUIndex         *int              `yaml:"gpu_index,omitempty" json:"gpu_index,omitempty"`
	ListenPort       int               `yaml:"listen_port" json:"listen_port"`
	StartCommand     []string          `yaml:"start_command" json:"start_command"`
	WorkingDirectory string            `yaml:"working_directory" json:"working_directory"`
	Environment      map[string]string `yaml:"environment_overrides,omitempty" json:"environment_overrides,omitempty"`

	// MatchPattern is a case-sensitive substring of the full command line
	// that identifies this worker's processes.
	MatchPattern string `yaml:"match_pattern" json:"match_pattern"`

	// ControlURL is the base URL of the worker's control endpoint.
	ControlURL string `yaml:"control_url,omitempty" json:"control_url,omitempty"`

	ResetTargets []ResetTarget `yaml:"reset_targets,omitempty" json:"reset_targets,omitempty"`

	// AutoStart must be false for every worker.
	AutoStart bool `yaml:"auto_start" json:"auto_start"`
}

// HasGPU reports whether the worker is pinned to a GPU.
func (d WorkerDescriptor) HasGPU() bool {
	return d.GPUIndex != nil
}

// CommandLine renders StartCommand for logs and error messages.
func (d WorkerDescriptor) CommandLine() string {
	return strings.Join(d.StartCommand, " ")
}

// Clone returns a deep copy so callers cannot alter registry contents.
func (d WorkerDescriptor) Clone() WorkerDescriptor {
	out := d
	if d.GPUIndex != nil {
		idx := *d.GPUIndex
		out.GPUIndex = &idx
	}
	out.StartCommand = slices.Clone(d.StartCommand)
	out.Environment = maps.Clone(d.Environment)
	if d.ResetTargets != nil {
		out.ResetTargets = make([]ResetTarget, len(d.ResetTargets))
		for i, t := range d.ResetTargets {
			out.ResetTargets[i] = t.Clone()
		}
	}
	return out
}

type WorkerStatus string

const (
	WorkerStopped WorkerStatus = "STOPPED"
	WorkerRunning WorkerStatus = "RUNNING"
	WorkerUnknown WorkerStatus = "UNKNOWN"
)

type PortState string

const (
	PortFree    PortState = "free"
	PortInUse   PortState = "in_use"
	PortUnknown PortState = "unknown"
)

// WorkerState is derived live from the port and process probes.
// It is never cached or persisted.
type WorkerState struct {
	ID        string       `json:"id"`
	Status    WorkerStatus `json:"status"`
	PID       int          `json:"pid,omitempty"`
	PIDs      []int        `json:"pids,omitempty"`
	Port      int          `json:"port"`
	PortState PortState    `json:"port_state"`
	Reason    string       `json:"reason,omitempty"`
}

// DeriveStatus applies the status rule: RUNNING needs both signals,
// STOPPED needs neither, anything else is UNKNOWN.
func DeriveStatus(port PortState, processFound, processKnown bool) WorkerStatus {
	if port == PortUnknown || !processKnown {
		return WorkerUnknown
	}
	bound := port == PortInUse
	switch {
	case bound && processFound:
		return WorkerRunning
	case !bound && !processFound:
		return WorkerStopped
	default:
		return WorkerUnknown
	}
}

type Signal string

const (
	SignalSoft Signal = "SOFT"
	SignalHard Signal = "HARD"
)

type Action string

const (
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
	ActionReset  Action = "reset"
	ActionStatus Action = "status"
)

// Result is the outcome of one lifecycle mutation.
type Result struct {
	WorkerID string
	Action   Action
	OpID     string
	PIDs     []int
	Warnings []string
	Err      error
}

func (r Result) OK() bool {
	return r.Err == nil
}

func (r Result) MarshalJSON() ([]byte, error) {
	view := struct {
		WorkerID string    `json:"worker"`
		Action   Action    `json:"action"`
		OpID     string    `json:"op_id,omitempty"`
		OK       bool      `json:"ok"`
		PIDs     []int     `json:"pids,omitempty"`
		Warnings []string  `json:"warnings,omitempty"`
		Kind     ErrorKind `json:"kind,omitempty"`
		Error    string    `json:"error,omitempty"`
	}{
		WorkerID: r.WorkerID,
		Action:   r.Action,
		OpID:     r.OpID,
		OK:       r.OK(),
		PIDs:     r.PIDs,
		Warnings: r.Warnings,
		Kind:     KindOf(r.Err),
	}
	if r.Err != nil {
		view.Error = r.Err.Error()
	}
	return json.Marshal(view)
}
