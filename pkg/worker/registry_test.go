package worker

import (
	"errors"
	"testing"

	"github.com/decibel/bdr/pkg/logging"
	"github.com/decibel/bdr/pkg/metrics"
	"github.com/decibel/bdr/pkg/origin"
)

var (
	peerB = origin.Origin{SysID: 2, Timeline: 1, DBOID: 1}
	peerC = origin.Origin{SysID: 3, Timeline: 1, DBOID: 1}
)

func newTestRegistry(capacity int) *Registry {
	return NewRegistry(capacity, logging.NewNopLogger(), metrics.NewRegistry())
}

func TestAllocRelease(t *testing.T) {
	r := newTestRegistry(4)

	h, err := r.AllocApply(ApplyWorker{PeerName: "b", Origin: peerB, ReplayStopLSN: 42})
	if err != nil {
		t.Fatalf("AllocApply failed: %v", err)
	}
	if r.InUse() != 1 {
		t.Errorf("InUse = %d, want 1", r.InUse())
	}

	w := r.Apply(h)
	if w == nil || w.PeerName != "b" || w.ReplayStopLSN != 42 {
		t.Errorf("payload = %+v", w)
	}

	if err := r.Release(h); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if r.InUse() != 0 {
		t.Errorf("InUse after release = %d, want 0", r.InUse())
	}
	if r.Apply(h) != nil {
		t.Error("payload readable through released handle")
	}
}

func TestAllocExhaustion(t *testing.T) {
	r := newTestRegistry(2)

	if _, err := r.AllocApply(ApplyWorker{PeerName: "b", Origin: peerB}); err != nil {
		t.Fatalf("AllocApply failed: %v", err)
	}
	if _, err := r.AllocPerDB(PerDBWorker{Database: "app"}); err != nil {
		t.Fatalf("AllocPerDB failed: %v", err)
	}

	_, err := r.AllocApply(ApplyWorker{PeerName: "c", Origin: peerC})
	if !errors.Is(err, ErrNoFreeSlots) {
		t.Errorf("err = %v, want ErrNoFreeSlots", err)
	}
}

func TestDoubleReleaseDetected(t *testing.T) {
	r := newTestRegistry(2)

	h, err := r.AllocApply(ApplyWorker{PeerName: "b", Origin: peerB})
	if err != nil {
		t.Fatalf("AllocApply failed: %v", err)
	}
	if err := r.Release(h); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := r.Release(h); !errors.Is(err, ErrSlotAlreadyEmpty) {
		t.Errorf("second release = %v, want ErrSlotAlreadyEmpty", err)
	}
}

func TestStaleHandleRejected(t *testing.T) {
	r := newTestRegistry(1)

	h1, err := r.AllocApply(ApplyWorker{PeerName: "b", Origin: peerB})
	if err != nil {
		t.Fatalf("AllocApply failed: %v", err)
	}
	if err := r.Release(h1); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// Slot reused by another worker; the old handle must not release it.
	h2, err := r.AllocApply(ApplyWorker{PeerName: "c", Origin: peerC})
	if err != nil {
		t.Fatalf("second AllocApply failed: %v", err)
	}
	if h1.Index != h2.Index {
		t.Fatalf("expected slot reuse, got %d and %d", h1.Index, h2.Index)
	}
	if err := r.Release(h1); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("stale release = %v, want ErrStaleHandle", err)
	}
	if r.Apply(h2) == nil {
		t.Error("current occupant lost its slot")
	}
}

func TestDuplicateApplyRegistration(t *testing.T) {
	r := newTestRegistry(4)

	h, err := r.AllocApply(ApplyWorker{PeerName: "b", Origin: peerB})
	if err != nil {
		t.Fatalf("AllocApply failed: %v", err)
	}

	// Same peer again: the guard holds even though slots are free.
	if _, err := r.AllocApply(ApplyWorker{PeerName: "b", Origin: peerB}); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("duplicate registration = %v, want ErrAlreadyRegistered", err)
	}

	// Releasing the worker clears the guard.
	if err := r.Release(h); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := r.AllocApply(ApplyWorker{PeerName: "b", Origin: peerB}); err != nil {
		t.Errorf("re-registration after release failed: %v", err)
	}
}

func TestPerDBPayloadRecordsSlot(t *testing.T) {
	r := newTestRegistry(4)

	h, err := r.AllocPerDB(PerDBWorker{Database: "app", NodeCount: 3})
	if err != nil {
		t.Fatalf("AllocPerDB failed: %v", err)
	}
	p := r.PerDB(h)
	if p == nil {
		t.Fatal("missing perdb payload")
	}
	if p.SequencerSlot != h.Index {
		t.Errorf("sequencer slot = %d, want %d", p.SequencerSlot, h.Index)
	}
	if p.NodeCount != 3 || p.Database != "app" {
		t.Errorf("payload = %+v", p)
	}
}

func TestPauseResume(t *testing.T) {
	r := newTestRegistry(1)

	if r.ApplyPaused() {
		t.Fatal("registry born paused")
	}
	r.PauseApply()
	if !r.ApplyPaused() {
		t.Error("pause flag not set")
	}
	r.PauseApply() // idempotent
	r.ResumeApply()
	if r.ApplyPaused() {
		t.Error("pause flag not cleared")
	}
	r.ResumeApply() // idempotent
}
