package trace

import (
	"bytes"
	"sync"
	"testing"
)

func TestCanonicalTraceStability_ByteForByte(t *testing.T) {
	trace1 := PlanTrace{
		GraphHash: "graph-abc",
		Events: []Event{
			{Kind: EventChunkSplit, Subject: "vendors", Size: 10, Items: []string{"vendors~a", "vendors~b"}},
			{Kind: EventChunkMerged, Subject: "common", Related: "app", Reason: "BelowMinSize"},
			{Kind: EventModuleUnreachable, Subject: "src/dead.ts"},
		},
	}
	trace2 := PlanTrace{
		GraphHash: "graph-abc",
		Events: []Event{
			{Kind: EventModuleUnreachable, Subject: "src/dead.ts"},
			{Kind: EventChunkMerged, Reason: "BelowMinSize", Related: "app", Subject: "common"},
			{Kind: EventChunkSplit, Subject: "vendors", Size: 10, Items: []string{"vendors~a", "vendors~b"}},
		},
	}

	b1, err := trace1.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (1): %v", err)
	}
	b2, err := trace2.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (2): %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("expected identical bytes\n1=%s\n2=%s", b1, b2)
	}
}

func TestCanonicalJSON_FieldOrderAndOmission(t *testing.T) {
	tr := PlanTrace{
		GraphHash: "g",
		Events: []Event{
			{Kind: EventChunkSplit, Subject: "vendors", Size: 2048, Items: []string{"vendors~z", "vendors~a"}},
			{Kind: EventChunkMerged, Subject: "common", Related: "app", Items: []string{}},
		},
	}
	b, err := tr.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	expected := `{"graphHash":"g","events":[` +
		`{"kind":"ChunkMerged","subject":"common","related":"app"},` +
		`{"kind":"ChunkSplit","subject":"vendors","size":2048,"items":["vendors~z","vendors~a"]}]}`
	if string(b) != expected {
		t.Fatalf("unexpected canonical bytes\nexpected=%s\nactual  =%s", expected, b)
	}
}

func TestCanonicalJSON_DoesNotMutateCaller(t *testing.T) {
	tr := PlanTrace{GraphHash: "g", Events: []Event{
		{Kind: EventRequestCapExceeded, Subject: "b"},
		{Kind: EventModuleUnreachable, Subject: "a"},
	}}
	if _, err := tr.CanonicalJSON(); err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	if tr.Events[0].Kind != EventRequestCapExceeded {
		t.Fatalf("caller events were reordered")
	}
}

func TestHash_IgnoresInsertionOrder(t *testing.T) {
	a := Event{Kind: EventChunkOversized, Subject: "x", Size: 5}
	b := Event{Kind: EventChunkMerged, Subject: "y", Related: "app"}
	h1, err := PlanTrace{GraphHash: "g", Events: []Event{a, b}}.Hash()
	if err != nil {
		t.Fatalf("hash (1): %v", err)
	}
	h2, err := PlanTrace{GraphHash: "g", Events: []Event{b, a}}.Hash()
	if err != nil {
		t.Fatalf("hash (2): %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected equal hash, got %q != %q", h1, h2)
	}
}

func TestValidate(t *testing.T) {
	if _, err := (PlanTrace{}).CanonicalJSON(); err == nil {
		t.Fatalf("expected error for missing graph hash")
	}
	if _, err := (PlanTrace{GraphHash: "g", Events: []Event{{Kind: EventChunkMerged}}}).CanonicalJSON(); err == nil {
		t.Fatalf("expected error for missing subject")
	}
}

func TestWarnings_OnlyAdvisory(t *testing.T) {
	tr := PlanTrace{GraphHash: "g", Events: []Event{
		{Kind: EventRequestCapExceeded, Subject: "app", Size: 31, Reason: "30"},
		{Kind: EventChunkMerged, Subject: "common", Related: "app"},
		{Kind: EventChunkOversized, Subject: "vendors", Size: 4 << 20},
		{Kind: EventExtractionAbandoned, Subject: "gb", Related: "app", Reason: "RequestCap", Size: 10},
	}}
	w := tr.Warnings()
	if len(w) != 3 {
		t.Fatalf("expected 3 warnings, got %d", len(w))
	}
	if w[0].Kind != EventChunkOversized || w[1].Kind != EventExtractionAbandoned || w[2].Kind != EventRequestCapExceeded {
		t.Fatalf("unexpected warning order: %v", w)
	}
	if got := w[1].String(); got != "extraction gb abandoned and folded back into app to stay under the request cap" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := w[2].String(); got != "app needs 31 parallel requests, above the cap of 30" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestRecorder_Concurrent(t *testing.T) {
	r := NewRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			SafeRecord(r, Event{Kind: EventModuleUnreachable, Subject: string(rune('a' + i%26))})
		}(i)
	}
	wg.Wait()
	tr := r.Trace("g")
	if len(tr.Events) != 50 {
		t.Fatalf("expected 50 events, got %d", len(tr.Events))
	}
	for i := 1; i < len(tr.Events); i++ {
		if tr.Events[i-1].Subject > tr.Events[i].Subject {
			t.Fatalf("trace not canonical at %d", i)
		}
	}
	SafeRecord(nil, Event{})
	NopSink{}.Record(Event{})
}
