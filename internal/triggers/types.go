// Package triggers maintains the trigger table: discovery via diagnostic
// worker runs, filesystem-driven reloads, and sibling emulator registration.
package triggers

import (
	"encoding/json"
	"sort"
)

// ServiceHTTPS tags HTTP triggers in metrics and history.
const ServiceHTTPS = "https"

// ServiceFirestore is the only event service in the initial allow-list.
const ServiceFirestore = "firestore"

// SupportedServices is the event-service allow-list. Unsupported
// definitions stay in the table but fail at invocation time.
var SupportedServices = map[string]bool{
	ServiceFirestore: true,
}

// EventTrigger is the opaque subscription payload of an event trigger. The
// raw bytes are preserved verbatim for sibling registration; only the
// service field is inspected.
type EventTrigger struct {
	Service string

	raw json.RawMessage
}

func (t *EventTrigger) UnmarshalJSON(b []byte) error {
	t.raw = append(json.RawMessage(nil), b...)
	var aux struct {
		Service string `json:"service"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	t.Service = aux.Service
	return nil
}

func (t EventTrigger) MarshalJSON() ([]byte, error) {
	if t.raw == nil {
		return []byte("null"), nil
	}
	return t.raw, nil
}

// Definition is the immutable descriptor of one user-authored function.
// Exactly one of HTTPS and Event is set.
type Definition struct {
	Name       string          `json:"name"`
	EntryPoint string          `json:"entryPoint,omitempty"`
	Region     string          `json:"region,omitempty"`
	HTTPS      json.RawMessage `json:"httpsTrigger,omitempty"`
	Event      *EventTrigger   `json:"eventTrigger,omitempty"`
}

// IsHTTP reports whether the definition is an HTTP trigger.
func (d *Definition) IsHTTP() bool {
	return len(d.HTTPS) > 0
}

// Service returns the tag used for metrics and support checks: "https" for
// HTTP triggers, the event service name otherwise.
func (d *Definition) Service() string {
	if d.IsHTTP() {
		return ServiceHTTPS
	}
	if d.Event != nil {
		return d.Event.Service
	}
	return ""
}

// Supported reports whether the gateway can execute this trigger.
func (d *Definition) Supported() bool {
	if d.IsHTTP() {
		return true
	}
	return d.Event != nil && SupportedServices[d.Event.Service]
}

// Table is an immutable name→definition snapshot. Reloads build a new Table
// and publish it wholesale; a Table is never mutated in place.
type Table struct {
	defs map[string]*Definition
}

// NewTable builds a table from definitions. Later duplicates win.
func NewTable(defs []*Definition) *Table {
	m := make(map[string]*Definition, len(defs))
	for _, d := range defs {
		m[d.Name] = d
	}
	return &Table{defs: m}
}

// Get looks up a definition by name.
func (t *Table) Get(name string) (*Definition, bool) {
	d, ok := t.defs[name]
	return d, ok
}

// List returns all definitions sorted by name.
func (t *Table) List() []*Definition {
	out := make([]*Definition, 0, len(t.defs))
	for _, d := range t.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of definitions in the table.
func (t *Table) Len() int {
	return len(t.defs)
}
