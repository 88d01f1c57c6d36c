// Package snapshot builds the deterministic directory-record tree for a
// backup run, serializes it canonically, compresses it, and seals it as
// one encrypted blob so a restore needs nothing but the mnemonic and a
// reachable peer.
package snapshot

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/WebFirstLanguage/beenet/pkg/chunker"
	"github.com/WebFirstLanguage/beenet/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/beenet/pkg/crypto"
	"github.com/WebFirstLanguage/beenet/pkg/errs"
	"github.com/WebFirstLanguage/beenet/pkg/packer"
)

// ChunkLocation pins one chunk to its byte range inside a sealed pack, so
// a restore can slice it back out of a fetched pack with no local index.
type ChunkLocation struct {
	ContentID string `cbor:"content_id"`
	PackID    string `cbor:"pack_id"`
	Offset    int64  `cbor:"offset"`
	Length    int64  `cbor:"length"`
}

// FileRecord is one file's entry in the snapshot tree.
type FileRecord struct {
	Path    string          `cbor:"path"`
	Size    int64           `cbor:"size"`
	Mode    uint32          `cbor:"mode"`
	ModTime int64           `cbor:"mtime"`
	Chunks  []ChunkLocation `cbor:"chunks"`
}

// DirectoryRecord is the snapshot's tree root: a flat, sorted file list
// plus the pack ids a restore must be able to reach to rebuild every file.
type DirectoryRecord struct {
	Files    []FileRecord `cbor:"files"`
	PackRefs []string     `cbor:"pack_refs"`
}

// Snapshot is one point-in-time backup: its tree plus identifying metadata.
// Version is a format version, CreatedAt a Unix-millisecond timestamp
// supplied by the caller (snapshot itself never reads the clock, so it
// stays deterministic given the same inputs).
type Snapshot struct {
	ID        string          `cbor:"id"`
	Version   uint32          `cbor:"version"`
	CreatedAt int64           `cbor:"created_at"`
	Tree      DirectoryRecord `cbor:"tree"`
}

// Build assembles a DirectoryRecord from a Packer run's per-file results,
// sorted by path for deterministic encoding.
func Build(files []packer.FileResult, packRefs []string) DirectoryRecord {
	records := make([]FileRecord, 0, len(files))
	for _, f := range files {
		chunks := make([]ChunkLocation, 0, len(f.Chunks))
		for _, c := range f.Chunks {
			chunks = append(chunks, ChunkLocation{ContentID: c.ContentID, PackID: c.PackID, Offset: c.Offset, Length: c.Length})
		}
		records = append(records, FileRecord{Path: f.Path, Size: f.Size, Mode: f.Mode, ModTime: f.ModTime, Chunks: chunks})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })

	refs := append([]string{}, packRefs...)
	sort.Strings(refs)

	return DirectoryRecord{Files: records, PackRefs: refs}
}

// Seal canonically encodes, compresses, and encrypts a Snapshot into one
// AEAD blob, content-addressed by its own plaintext.
func Seal(snap Snapshot, master crypto.MasterKey) (contentID chunker.ContentID, blob *crypto.EncryptedBlob, err error) {
	plain, err := cborcanon.Marshal(snap)
	if err != nil {
		return contentID, nil, errs.NewIO("encode snapshot", err)
	}

	compressed, err := compress(plain)
	if err != nil {
		return contentID, nil, err
	}

	contentID = chunker.IDOf(compressed)
	key, nonce, err := crypto.DeriveBlobKey(master, contentID[:])
	if err != nil {
		return contentID, nil, err
	}
	blob, err = crypto.EncryptChunk(key, nonce, contentID[:], compressed)
	if err != nil {
		return contentID, nil, err
	}
	return contentID, blob, nil
}

// Pointer locates a sealed snapshot blob inside its own pack, so a
// restore's very first fetch (the snapshot blob itself, before any file
// chunk) needs nothing but this small record plus the mnemonic.
type Pointer struct {
	ContentID string `cbor:"content_id"`
	PackID    string `cbor:"pack_id"`
	Offset    int64  `cbor:"offset"`
	Length    int64  `cbor:"length"`
}

// EncodePointer canonically encodes a Pointer for storage as the
// snapshot's persisted "pointer" blob (see store.RecordSnapshot).
func EncodePointer(p Pointer) ([]byte, error) {
	data, err := cborcanon.Marshal(p)
	if err != nil {
		return nil, errs.NewIO("encode snapshot pointer", err)
	}
	return data, nil
}

// DecodePointer reverses EncodePointer.
func DecodePointer(data []byte) (Pointer, error) {
	var p Pointer
	if err := cborcanon.Unmarshal(data, &p); err != nil {
		return Pointer{}, errs.NewIO("decode snapshot pointer", err)
	}
	return p, nil
}

// Open reverses Seal: decrypt, decompress, decode back into a Snapshot.
func Open(contentID chunker.ContentID, blob *crypto.EncryptedBlob, master crypto.MasterKey) (*Snapshot, error) {
	key, _, err := crypto.DeriveBlobKey(master, contentID[:])
	if err != nil {
		return nil, err
	}

	compressed, err := crypto.DecryptChunk(key, blob, contentID[:])
	if err != nil {
		return nil, errs.NewAuthFailed("decrypt snapshot blob", err)
	}

	plain, err := decompress(compressed)
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := cborcanon.Unmarshal(plain, &snap); err != nil {
		return nil, errs.NewIO("decode snapshot", err)
	}
	return &snap, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, errs.NewIO("create zstd writer", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, errs.NewIO("zstd compress", err)
	}
	if err := w.Close(); err != nil {
		return nil, errs.NewIO("close zstd writer", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errs.NewIO("create zstd reader", err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.NewIO("zstd decompress", err)
	}
	return out, nil
}

func (s Snapshot) String() string {
	return fmt.Sprintf("snapshot %s (%d files, %d packs)", s.ID, len(s.Tree.Files), len(s.Tree.PackRefs))
}
