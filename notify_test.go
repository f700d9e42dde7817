package main

import (
	"sync"
	"testing"
)

type fakeRinger struct {
	mu      sync.Mutex
	started int
	stopped int
}

func (r *fakeRinger) StartRing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *fakeRinger) StopRing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped++
}

type emitRecord struct {
	name string
	data []interface{}
}

func newRecordingNotifier() (*Notifier, *fakeRinger, *[]emitRecord) {
	ring := &fakeRinger{}
	var emits []emitRecord
	n := NewNotifier(ring, func(name string, data ...interface{}) {
		emits = append(emits, emitRecord{name, data})
	})
	return n, ring, &emits
}

func TestCallAlertStartsEverythingTogether(t *testing.T) {
	n, ring, emits := newRecordingNotifier()
	n.CallAlert(CallerInfo{Name: "Alice", Number: "42", Extension: "100"})

	if ring.started != 1 {
		t.Errorf("ring starts = %d, want 1", ring.started)
	}
	if len(*emits) != 1 || (*emits)[0].name != eventAlert {
		t.Fatalf("emits = %+v", *emits)
	}
	payload, ok := (*emits)[0].data[0].(alertPayload)
	if !ok {
		t.Fatalf("payload type %T", (*emits)[0].data[0])
	}
	if payload.Caller != "Alice <42>" || payload.Extension != "100" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestClearAlertClearsEverythingTogether(t *testing.T) {
	n, ring, emits := newRecordingNotifier()
	n.CallAlert(CallerInfo{Number: "42"})
	n.ClearAlert()

	if ring.stopped != 1 {
		t.Errorf("ring stops = %d, want 1", ring.stopped)
	}
	if len(*emits) != 2 || (*emits)[1].name != eventAlertClear {
		t.Fatalf("emits = %+v", *emits)
	}
}

func TestClearAlertIdempotent(t *testing.T) {
	n, ring, emits := newRecordingNotifier()
	n.CallAlert(CallerInfo{Number: "42"})
	n.ClearAlert()
	n.ClearAlert()

	if ring.stopped != 2 {
		t.Errorf("ring stops = %d, want 2", ring.stopped)
	}
	// only one clear event reaches the UI
	clears := 0
	for _, e := range *emits {
		if e.name == eventAlertClear {
			clears++
		}
	}
	if clears != 1 {
		t.Errorf("clear events = %d, want 1", clears)
	}
}
