// Package worker spawns and supervises short-lived function worker
// processes, demultiplexing their structured log streams.
package worker

import (
	"encoding/json"
	"fmt"
)

// Bundle is the per-invocation input handed to a worker at spawn time. It is
// serialized once as the worker's first argument and never mutated.
type Bundle struct {
	// ProjectID identifies the emulated project.
	ProjectID string `json:"projectId"`
	// Cwd is the functions source directory the worker runs in.
	Cwd string `json:"cwd"`
	// TriggerID names the trigger to execute. Empty means a diagnostic run
	// that only enumerates triggers.
	TriggerID string `json:"triggerId,omitempty"`
	// Proto is the event payload for event-trigger invocations.
	Proto json.RawMessage `json:"proto,omitempty"`
	// Ports maps sibling emulator names to their listening ports.
	Ports map[string]int `json:"ports,omitempty"`
	// DisabledFeatures lists runtime features the worker must not enable.
	DisabledFeatures []string `json:"disabledFeatures,omitempty"`
}

// Diagnostic reports whether the bundle describes a trigger-enumeration run.
func (b *Bundle) Diagnostic() bool {
	return b.TriggerID == ""
}

func (b *Bundle) encode() (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encoding runtime bundle: %w", err)
	}
	return string(data), nil
}
