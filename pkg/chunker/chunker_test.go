package chunker

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestSplitReassembles(t *testing.T) {
	data := make([]byte, 5*1024*1024)
	rand.New(rand.NewSource(1)).Read(data)

	c := New()
	chunks, err := c.Split(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatalf("expected at least one chunk")
	}

	var reassembled []byte
	for _, ch := range chunks {
		if ch.ID != IDOf(ch.Data) {
			t.Errorf("chunk id does not match its data")
		}
		reassembled = append(reassembled, ch.Data...)
	}
	if !bytes.Equal(reassembled, data) {
		t.Fatalf("reassembled data does not match input")
	}
}

func TestSplitDeterministic(t *testing.T) {
	data := make([]byte, 2*1024*1024)
	rand.New(rand.NewSource(42)).Read(data)

	c := New()
	chunksA, err := c.Split(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	chunksB, err := c.Split(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	if len(chunksA) != len(chunksB) {
		t.Fatalf("chunk count differs across runs: %d vs %d", len(chunksA), len(chunksB))
	}
	for i := range chunksA {
		if chunksA[i].ID != chunksB[i].ID {
			t.Errorf("chunk %d id differs across runs", i)
		}
	}
}

func TestSplitShiftedDataSharesChunks(t *testing.T) {
	base := make([]byte, 3*1024*1024)
	rand.New(rand.NewSource(7)).Read(base)

	prefix := []byte("a small unrelated prefix that shifts every later offset\n")
	shifted := append(append([]byte{}, prefix...), base...)

	c := New()
	chunksBase, err := c.Split(bytes.NewReader(base))
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	chunksShifted, err := c.Split(bytes.NewReader(shifted))
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	seen := make(map[ContentID]bool, len(chunksBase))
	for _, ch := range chunksBase {
		seen[ch.ID] = true
	}

	shared := 0
	for _, ch := range chunksShifted {
		if seen[ch.ID] {
			shared++
		}
	}
	if shared == 0 {
		t.Fatalf("expected content-defined chunking to share boundaries after a shift")
	}
}

func TestSplitEmpty(t *testing.T) {
	c := New()
	chunks, err := c.Split(bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks for empty input, got %d", len(chunks))
	}
}
