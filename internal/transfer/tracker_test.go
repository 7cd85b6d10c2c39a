package transfer

import (
	"errors"
	"testing"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()

	tr.Begin("t1", DirectionDownload, nil)
	tr.Update("t1", 6, 11)
	tr.Advance("t1", 5)

	snap := tr.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot len = %d, want 1", len(snap))
	}
	p := snap[0]
	if p.TransferID != "t1" || p.Direction != DirectionDownload {
		t.Fatalf("unexpected progress: %+v", p)
	}
	if p.Done != 11 || p.Total != 11 {
		t.Fatalf("done/total = %d/%d, want 11/11", p.Done, p.Total)
	}
	if p.State != StateActive {
		t.Fatalf("state = %q, want active", p.State)
	}

	tr.Finish("t1", nil)
	if got := tr.Snapshot()[0].State; got != StateDone {
		t.Fatalf("state = %q, want done", got)
	}
}

func TestTrackerFirstTerminalStateWins(t *testing.T) {
	tr := NewTracker()
	tr.Begin("t1", DirectionUpload, nil)

	tr.Finish("t1", ErrIntegrityFailed)
	tr.Finish("t1", nil)

	p := tr.Snapshot()[0]
	if p.State != StateFailed {
		t.Fatalf("state = %q, want failed", p.State)
	}
	if p.Error == "" {
		t.Fatal("expected the failure reason to be recorded")
	}
}

func TestTrackerFinishUnknownIDIsIgnored(t *testing.T) {
	tr := NewTracker()
	tr.Finish("never-started", errors.New("rejected"))
	if len(tr.Snapshot()) != 0 {
		t.Fatal("expected a transfer rejected before its ACK to stay untracked")
	}
}

func TestTrackerCancelInvokesHook(t *testing.T) {
	tr := NewTracker()

	called := false
	tr.Begin("t1", DirectionDownload, func() { called = true })

	if !tr.Cancel("t1") {
		t.Fatal("expected Cancel to report a registered hook")
	}
	if !called {
		t.Fatal("expected the cancel hook to run")
	}
	if tr.Cancel("t2") {
		t.Fatal("expected Cancel of unknown id to report false")
	}
}

func TestTrackerNilReceiverIsSafe(t *testing.T) {
	var tr *Tracker
	tr.Begin("t1", DirectionDownload, nil)
	tr.Update("t1", 0, 10)
	tr.Advance("t1", 5)
	tr.Finish("t1", nil)
	if tr.Cancel("t1") {
		t.Fatal("nil tracker must not report a cancel hook")
	}
	if tr.Snapshot() != nil {
		t.Fatal("nil tracker snapshot must be nil")
	}
}

func TestTrackerRemovePrunesEntry(t *testing.T) {
	tr := NewTracker()
	tr.Begin("t1", DirectionDownload, nil)
	tr.Begin("t2", DirectionUpload, nil)

	if !tr.Remove("t1") {
		t.Fatal("expected remove to succeed")
	}
	snap := tr.Snapshot()
	if len(snap) != 1 || snap[0].TransferID != "t2" {
		t.Fatalf("snapshot after remove = %+v", snap)
	}
}
