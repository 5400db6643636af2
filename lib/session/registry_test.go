package session

import "testing"

func TestRegistryRegisterDuplicateRejected(t *testing.T) {
	reg := NewRegistry()
	rec := NewRecord(1, true, false, "none", nil, nil)

	if !reg.Register(rec) {
		t.Fatal("first Register should succeed")
	}
	if reg.Register(NewRecord(1, true, false, "none", nil, nil)) {
		t.Fatal("duplicate Register should fail")
	}
	if reg.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", reg.Count())
	}
}

func TestRegistryGetUnregister(t *testing.T) {
	reg := NewRegistry()
	rec := NewRecord(7, false, true, "aes-gcm", []byte("k"), nil)
	reg.Register(rec)

	got := reg.Get(7)
	if got == nil || got.SessionID != 7 {
		t.Fatalf("Get(7) = %v, want session 7", got)
	}

	if reg.Get(999) != nil {
		t.Fatal("Get(999) should be nil for unknown session")
	}

	if !reg.Unregister(7) {
		t.Fatal("Unregister(7) should succeed")
	}
	if reg.Unregister(7) {
		t.Fatal("second Unregister(7) should fail")
	}
	if reg.Get(7) != nil {
		t.Fatal("Get(7) should be nil after Unregister")
	}
}

func TestRegistryCloseDrainsAll(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewRecord(1, true, false, "none", nil, nil))
	reg.Register(NewRecord(2, true, false, "none", nil, nil))

	drained := reg.Close()
	if len(drained) != 2 {
		t.Fatalf("Close() returned %d records, want 2", len(drained))
	}
	if reg.Count() != 0 {
		t.Fatalf("Count() after Close() = %d, want 0", reg.Count())
	}
}

func TestRecordReadBufLenBackpressure(t *testing.T) {
	rec := NewRecord(1, true, false, "none", nil, nil)

	if got := rec.AddReadBufLen(1000); got != 1000 {
		t.Fatalf("AddReadBufLen(1000) = %d, want 1000", got)
	}
	if got := rec.AckReadBufLen(400); got != 600 {
		t.Fatalf("AckReadBufLen(400) = %d, want 600", got)
	}
	// An over-large ack clamps at zero rather than going negative.
	if got := rec.AckReadBufLen(10000); got != 0 {
		t.Fatalf("AckReadBufLen(10000) = %d, want 0", got)
	}
}

func TestRecordStateTransitions(t *testing.T) {
	rec := NewRecord(1, true, false, "none", nil, nil)
	if rec.State() != StateConnecting {
		t.Fatalf("initial State() = %v, want StateConnecting", rec.State())
	}
	rec.SetState(StateOpen)
	if rec.State() != StateOpen {
		t.Fatalf("State() = %v, want StateOpen", rec.State())
	}
}
