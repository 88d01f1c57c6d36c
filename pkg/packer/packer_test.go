package packer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/WebFirstLanguage/beenet/pkg/crypto"
	"github.com/WebFirstLanguage/beenet/pkg/store"
)

func testMaster(t *testing.T) crypto.MasterKey {
	t.Helper()
	mnemonic, err := crypto.NewMnemonic()
	if err != nil {
		t.Fatalf("NewMnemonic failed: %v", err)
	}
	mk, err := crypto.DeriveMaster(mnemonic)
	if err != nil {
		t.Fatalf("DeriveMaster failed: %v", err)
	}
	return mk
}

func TestRunPacksAllFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello world"), 0600); err != nil {
		t.Fatalf("write a.txt: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "b.txt"), []byte("goodbye world"), 0600); err != nil {
		t.Fatalf("write b.txt: %v", err)
	}

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	defer st.Close()

	p := New(st, testMaster(t), DefaultConfig())
	progress := make(chan Progress, 16)

	results, err := p.Run(context.Background(), root, progress)
	close(progress)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 file results, got %d", len(results))
	}

	var sawCompletion bool
	for pr := range progress {
		if pr.FilesDone == pr.FilesTotal {
			sawCompletion = true
		}
	}
	if !sawCompletion {
		t.Errorf("expected a progress update reporting completion")
	}

	for _, res := range results {
		for _, ref := range res.Chunks {
			if !st.Has(ref.ContentID) {
				t.Errorf("expected chunk %s from %s to be stored", ref.ContentID, res.Path)
			}
			if ref.PackID == "" {
				t.Errorf("expected chunk %s to carry a pack id", ref.ContentID)
			}
		}
	}
}

func TestRunDeduplicatesIdenticalFiles(t *testing.T) {
	root := t.TempDir()
	content := []byte("identical payload shared by two files")
	if err := os.WriteFile(filepath.Join(root, "a.txt"), content, 0600); err != nil {
		t.Fatalf("write a.txt: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "b.txt"), content, 0600); err != nil {
		t.Fatalf("write b.txt: %v", err)
	}

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	defer st.Close()

	p := New(st, testMaster(t), DefaultConfig())
	results, err := p.Run(context.Background(), root, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 file results, got %d", len(results))
	}
	if results[0].Chunks[0].ContentID != results[1].Chunks[0].ContentID {
		t.Errorf("expected identical files to produce identical chunk ids")
	}
	if results[0].Chunks[0].PackID != results[1].Chunks[0].PackID {
		t.Errorf("expected deduplicated chunk to resolve to the same pack")
	}

	stats, err := st.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalChunks != 1 {
		t.Errorf("expected dedup to store exactly one chunk, got %d", stats.TotalChunks)
	}
}
