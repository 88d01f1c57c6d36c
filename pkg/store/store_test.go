package store

import (
	"bytes"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPackWriteSealReadRoundTrip(t *testing.T) {
	s := openTestStore(t)

	w, err := s.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	data := []byte("sealed chunk bytes")
	offset, length, err := w.Append("content-1", data)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if offset != 0 || length != int64(len(data)) {
		t.Fatalf("unexpected offset/length: %d/%d", offset, length)
	}

	packID, err := w.Seal()
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if !s.Has("content-1") {
		t.Fatalf("expected content-1 to be indexed after seal")
	}

	gotPackID, gotOffset, gotLength, ok, err := s.Lookup("content-1")
	if err != nil || !ok {
		t.Fatalf("Lookup failed: ok=%v err=%v", ok, err)
	}
	if gotPackID != packID || gotOffset != 0 || gotLength != int64(len(data)) {
		t.Fatalf("lookup mismatch: %s/%d/%d", gotPackID, gotOffset, gotLength)
	}

	got, err := s.ReadChunk("content-1")
	if err != nil {
		t.Fatalf("ReadChunk failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("read chunk mismatch: got %q want %q", got, data)
	}
}

func TestLookupMissingChunk(t *testing.T) {
	s := openTestStore(t)
	if s.Has("nonexistent") {
		t.Fatalf("expected nonexistent chunk to be absent")
	}
	_, _, _, ok, err := s.Lookup("nonexistent")
	if err != nil {
		t.Fatalf("Lookup returned error for missing chunk: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing chunk")
	}
}

func TestPlacementPeersTracksRecordedPlacements(t *testing.T) {
	s := openTestStore(t)

	if peers, err := s.PlacementPeers("pack-1"); err != nil || len(peers) != 0 {
		t.Fatalf("expected no placements yet, got %v (err=%v)", peers, err)
	}

	if err := s.RecordPlacement("pack-1", "peer-a", 100); err != nil {
		t.Fatalf("RecordPlacement failed: %v", err)
	}
	if err := s.RecordPlacement("pack-1", "peer-b", 100); err != nil {
		t.Fatalf("RecordPlacement failed: %v", err)
	}
	// Re-recording the same (pack, peer) pair updates placed_at rather than
	// erroring or duplicating the row.
	if err := s.RecordPlacement("pack-1", "peer-a", 200); err != nil {
		t.Fatalf("RecordPlacement (update) failed: %v", err)
	}

	peers, err := s.PlacementPeers("pack-1")
	if err != nil {
		t.Fatalf("PlacementPeers failed: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("expected 2 placement peers, got %v", peers)
	}
}

func TestGCReclaimsUnreferencedPacks(t *testing.T) {
	s := openTestStore(t)

	w, err := s.Begin()
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, _, err := w.Append("orphan-chunk", []byte("orphaned")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	packID, err := w.Seal()
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if err := s.RecordSnapshot("snap-old", 1, "", []byte("pointer")); err != nil {
		t.Fatalf("RecordSnapshot failed: %v", err)
	}

	reclaimed, err := s.GC([]string{"snap-old"})
	if err != nil {
		t.Fatalf("GC failed: %v", err)
	}
	if reclaimed == 0 {
		t.Fatalf("expected GC to reclaim the unreferenced pack %s", packID)
	}
	if s.Has("orphan-chunk") {
		t.Fatalf("expected orphan-chunk to be removed from the index after GC")
	}
}
