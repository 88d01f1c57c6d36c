// Package chunker implements content-defined chunking with FastCDC, so
// identical byte runs produce identical chunk boundaries regardless of
// surrounding shifts, enabling cross-file and cross-backup deduplication.
package chunker

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/jotfs/fastcdc-go"
	"lukechampine.com/blake3"

	"github.com/WebFirstLanguage/beenet/pkg/constants"
)

// ContentID is the BLAKE3-256 content address of a chunk's plaintext.
type ContentID [32]byte

// Chunk is one content-defined boundary of a file's plaintext.
type Chunk struct {
	ID   ContentID
	Data []byte
}

// Chunker splits a stream into content-defined chunks between Min and Max
// bytes, averaging Average. Boundaries depend only on content, never on
// absolute offset, so it can only be restarted from offset 0 of a stream —
// there is no resumable chunking cursor.
type Chunker struct {
	minSize     int
	averageSize int
	maxSize     int
}

// New creates a Chunker at the core's standard size band
// (min=256KiB/avg=1MiB/max=4MiB).
func New() *Chunker {
	return &Chunker{
		minSize:     constants.ChunkMinSize,
		averageSize: constants.ChunkAverageSize,
		maxSize:     constants.ChunkMaxSize,
	}
}

// Split reads r to completion and returns its content-defined chunks in
// stream order.
func (c *Chunker) Split(r io.Reader) ([]Chunk, error) {
	fc, err := fastcdc.NewChunker(r, fastcdc.Options{
		MinSize:     c.minSize,
		AverageSize: c.averageSize,
		MaxSize:     c.maxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("chunker: configure fastcdc: %w", err)
	}

	var chunks []Chunk
	for {
		boundary, err := fc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chunker: split: %w", err)
		}

		data := make([]byte, len(boundary.Data))
		copy(data, boundary.Data)

		chunks = append(chunks, Chunk{
			ID:   ContentID(blake3.Sum256(data)),
			Data: data,
		})
	}
	return chunks, nil
}

// IDOf returns the content id for a block of plaintext without chunking it,
// used by the packer to address whole small files and by the snapshot
// index to address its own serialized blob.
func IDOf(data []byte) ContentID {
	return ContentID(blake3.Sum256(data))
}

func (id ContentID) String() string {
	return fmt.Sprintf("%x", id[:])
}

// ParseContentID decodes a hex-encoded content id back into its raw form,
// reversing ContentID.String for restore paths that only have the string
// form (snapshot records, wire frames).
func ParseContentID(s string) (ContentID, error) {
	var id ContentID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, fmt.Errorf("chunker: invalid content id %q", s)
	}
	copy(id[:], b)
	return id, nil
}
