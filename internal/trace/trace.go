// Package trace records the decisions the chunk planner makes.
//
// A PlanTrace is deterministic: it carries no timestamps and no values
// derived from map iteration, and its canonical JSON encoding is stable
// byte-for-byte for the same graph and configuration.
package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"bundleweaver/internal/hashing"
)

// PlanTrace is the canonical record of one planning run.
type PlanTrace struct {
	GraphHash string
	Events    []Event
}

// EventKind discriminates Event. The string values are part of the canonical
// bytes; do not rename.
type EventKind string

const (
	// EventChunkMerged: an extracted group chunk fell below its minimum size
	// and was dissolved into Related.
	EventChunkMerged EventKind = "ChunkMerged"
	// EventChunkSplit: Subject exceeded the maximum size and was split into
	// Items.
	EventChunkSplit EventKind = "ChunkSplit"
	// EventChunkOversized: Subject exceeds the maximum size but could not be
	// split further.
	EventChunkOversized EventKind = "ChunkOversized"
	// EventExtractionAbandoned: Subject was folded back into Related to honor
	// a request cap.
	EventExtractionAbandoned EventKind = "ExtractionAbandoned"
	// EventRequestCapExceeded: requester Subject still needs Size requests
	// after every extraction was abandoned.
	EventRequestCapExceeded EventKind = "RequestCapExceeded"
	// EventModuleUnreachable: module Subject is not reached by any requester
	// and was left out of the plan.
	EventModuleUnreachable EventKind = "ModuleUnreachable"
)

// Event is a single planning decision.
type Event struct {
	Kind EventKind

	// Subject is the chunk name, requester ID or module path the event is
	// about.
	Subject string

	// Related names the chunk or requester on the other side of the decision.
	Related string

	// Reason is a stable reason code such as "BelowMinSize".
	Reason string

	// Size is a byte size or request count depending on Kind.
	Size int64

	Items []string
}

// Advisory reports whether the event should surface as a build warning.
func (e Event) Advisory() bool {
	switch e.Kind {
	case EventChunkOversized, EventExtractionAbandoned, EventRequestCapExceeded, EventModuleUnreachable:
		return true
	default:
		return false
	}
}

func (e Event) String() string {
	switch e.Kind {
	case EventChunkOversized:
		return fmt.Sprintf("chunk %s is %d bytes, above the maximum size, and cannot be split further", e.Subject, e.Size)
	case EventRequestCapExceeded:
		return fmt.Sprintf("%s needs %d parallel requests, above the cap of %s", e.Subject, e.Size, e.Reason)
	case EventModuleUnreachable:
		return fmt.Sprintf("module %s is not reachable from any entry", e.Subject)
	case EventChunkMerged:
		return fmt.Sprintf("chunk %s (%d bytes) merged into %s", e.Subject, e.Size, e.Related)
	case EventChunkSplit:
		return fmt.Sprintf("chunk %s (%d bytes) split into %d parts", e.Subject, e.Size, len(e.Items))
	case EventExtractionAbandoned:
		return fmt.Sprintf("extraction %s abandoned and folded back into %s to stay under the request cap", e.Subject, e.Related)
	default:
		return string(e.Kind) + " " + e.Subject
	}
}

// Validate checks basic invariants.
func (t *PlanTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.GraphHash == "" {
		return errors.New("graphHash is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Subject == "" {
			return fmt.Errorf("events[%d].subject is required for kind %q", i, e.Kind)
		}
	}
	return nil
}

// Canonicalize normalizes the trace. Items keep their order (it is
// meaningful for splits); events are stably sorted by
// (kindOrder, subject, related, reason).
func (t *PlanTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		if len(t.Events[i].Items) == 0 {
			t.Events[i].Items = nil
		}
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		if a.Related != b.Related {
			return a.Related < b.Related
		}
		return a.Reason < b.Reason
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventModuleUnreachable:
		return 10
	case EventChunkMerged:
		return 20
	case EventChunkSplit:
		return 30
	case EventChunkOversized:
		return 40
	case EventExtractionAbandoned:
		return 50
	case EventRequestCapExceeded:
		return 60
	default:
		return 1000
	}
}

// Warnings returns the advisory events in canonical order.
func (t PlanTrace) Warnings() []Event {
	cp := t.clone()
	cp.Canonicalize()
	var out []Event
	for _, e := range cp.Events {
		if e.Advisory() {
			out = append(out, e)
		}
	}
	return out
}

func (t PlanTrace) clone() PlanTrace {
	cp := PlanTrace{GraphHash: t.GraphHash, Events: make([]Event, len(t.Events))}
	copy(cp.Events, t.Events)
	return cp
}

// CanonicalJSON returns the canonical JSON encoding of a canonicalized copy.
func (t PlanTrace) CanonicalJSON() ([]byte, error) {
	cp := t.clone()
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&cp)
}

// Hash returns the sha256 hex of the canonical JSON bytes.
func (t PlanTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return hashing.Content(b), nil
}

// MarshalJSON fixes field order.
func (t PlanTrace) MarshalJSON() ([]byte, error) {
	if t.GraphHash == "" {
		return nil, errors.New("graphHash is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"graphHash":`)
	gh, _ := json.Marshal(t.GraphHash)
	buf.Write(gh)
	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	field := func(name, value string) {
		if value == "" {
			return
		}
		buf.WriteString(`,"` + name + `":`)
		b, _ := json.Marshal(value)
		buf.Write(b)
	}

	buf.WriteString(`{"kind":`)
	kb, _ := json.Marshal(string(e.Kind))
	buf.Write(kb)
	field("subject", e.Subject)
	field("related", e.Related)
	field("reason", e.Reason)
	if e.Size != 0 {
		buf.WriteString(`,"size":` + strconv.FormatInt(e.Size, 10))
	}
	if len(e.Items) > 0 {
		buf.WriteString(`,"items":`)
		ib, _ := json.Marshal(e.Items)
		buf.Write(ib)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
