// Package packer walks a filesystem tree, splits each file into
// content-defined chunks, deduplicates against the Object Store, encrypts
// new chunks, and appends them into packs, emitting progress as it goes.
package packer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/WebFirstLanguage/beenet/pkg/chunker"
	"github.com/WebFirstLanguage/beenet/pkg/constants"
	"github.com/WebFirstLanguage/beenet/pkg/crypto"
	"github.com/WebFirstLanguage/beenet/pkg/errs"
	"github.com/WebFirstLanguage/beenet/pkg/log"
	"github.com/WebFirstLanguage/beenet/pkg/store"
)

var packerLog = log.Component("packer")

// Progress is emitted once per file processed (after all of its chunks);
// no update is sent between the chunks of one file.
type Progress struct {
	FilesDone    int
	FilesTotal   int
	BytesWritten int64
	CurrentPath  string
	FailedCount  int
}

// ChunkRef locates one chunk inside a sealed pack, so a restore can slice
// it back out of a fetched pack without any local index.
type ChunkRef struct {
	ContentID string
	PackID    string
	Offset    int64
	Length    int64
}

// FileResult records one file's chunk list for the Snapshot Index builder.
type FileResult struct {
	Path    string
	Size    int64
	Mode    uint32
	ModTime int64 // Unix seconds
	Chunks  []ChunkRef
}

// Config controls the Packer's concurrency and pack sizing.
type Config struct {
	Concurrency  int
	PackMinSize  int64
	PackMaxSize  int64
	PackTarget   int64
}

// DefaultConfig returns the core's standard pack sizing and a modest
// worker count.
func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		PackMinSize: constants.PackMinSize,
		PackMaxSize: constants.PackMaxSize,
		PackTarget:  constants.PackTargetSize,
	}
}

// Packer drives one backup run.
type Packer struct {
	store  *store.Store
	chunk  *chunker.Chunker
	master crypto.MasterKey
	cfg    Config

	mu     sync.Mutex // guards the single open PackWriter across workers
	writer *store.PackWriter
}

// New constructs a Packer writing into store, encrypting under master.
func New(st *store.Store, master crypto.MasterKey, cfg Config) *Packer {
	return &Packer{store: st, chunk: chunker.New(), master: master, cfg: cfg}
}

// Run walks rootDir and packs every regular file it contains, sending a
// Progress update after each file and returning per-file chunk lists for
// the snapshot builder. A per-file error increments FailedCount and is
// skipped rather than aborting the whole run, per the core's
// no-log-and-panic error handling policy.
func (p *Packer) Run(ctx context.Context, rootDir string, progress chan<- Progress) ([]FileResult, error) {
	var paths []string
	err := filepath.WalkDir(rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errs.NewIO("walk root directory", err)
	}

	var (
		filesDone   int64
		bytesTotal  int64
		failedCount int64
		resultsMu   sync.Mutex
		results     []FileResult
	)

	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, path := range paths {
		path := path
		select {
		case <-ctx.Done():
			return results, errs.NewCancelled("packer run cancelled")
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := p.packFile(ctx, path)
			done := atomic.AddInt64(&filesDone, 1)
			if err != nil {
				atomic.AddInt64(&failedCount, 1)
				packerLog.WithField("path", path).WithField("error", err).Warn("packer: file failed")
			} else {
				atomic.AddInt64(&bytesTotal, res.Size)
				resultsMu.Lock()
				results = append(results, res)
				resultsMu.Unlock()
			}

			if progress != nil {
				select {
				case progress <- Progress{
					FilesDone:    int(done),
					FilesTotal:   len(paths),
					BytesWritten: atomic.LoadInt64(&bytesTotal),
					CurrentPath:  path,
					FailedCount:  int(atomic.LoadInt64(&failedCount)),
				}:
				case <-ctx.Done():
				}
			}
		}()
	}
	wg.Wait()

	if p.writer != nil {
		if _, err := p.writer.Seal(); err != nil {
			return results, err
		}
		p.writer = nil
	}

	return results, nil
}

func (p *Packer) packFile(ctx context.Context, path string) (FileResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileResult{}, errs.NewIO(fmt.Sprintf("open %s", path), err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FileResult{}, errs.NewIO(fmt.Sprintf("stat %s", path), err)
	}

	chunks, err := p.chunk.Split(f)
	if err != nil {
		return FileResult{}, errs.NewIO(fmt.Sprintf("chunk %s", path), err)
	}

	res := FileResult{
		Path:    path,
		Size:    info.Size(),
		Mode:    uint32(info.Mode()),
		ModTime: info.ModTime().Unix(),
		Chunks:  make([]ChunkRef, 0, len(chunks)),
	}
	for _, c := range chunks {
		select {
		case <-ctx.Done():
			return res, errs.NewCancelled("packer cancelled mid-file")
		default:
		}

		cidStr := c.ID.String()

		if packID, offset, length, ok, err := p.store.Lookup(cidStr); err != nil {
			return res, err
		} else if ok {
			res.Chunks = append(res.Chunks, ChunkRef{ContentID: cidStr, PackID: packID, Offset: offset, Length: length})
			continue
		}

		key, nonce, err := crypto.DeriveBlobKey(p.master, c.ID[:])
		if err != nil {
			return res, err
		}
		blob, err := crypto.EncryptChunk(key, nonce, c.ID[:], c.Data)
		if err != nil {
			return res, err
		}

		packID, offset, length, err := p.appendToOpenPack(cidStr, blob.Ciphertext)
		if err != nil {
			return res, err
		}
		res.Chunks = append(res.Chunks, ChunkRef{ContentID: cidStr, PackID: packID, Offset: offset, Length: length})
	}
	return res, nil
}

// appendToOpenPack writes an encrypted chunk into the currently open pack,
// opening a new one if none is open, and sealing whenever the target size
// band is reached. The pack id, offset, and length it returns travel into
// the file's ChunkRef so a restore can locate the chunk without consulting
// any local index.
func (p *Packer) appendToOpenPack(contentID string, data []byte) (packID string, offset, length int64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writer == nil {
		w, err := p.store.Begin()
		if err != nil {
			return "", 0, 0, err
		}
		p.writer = w
	}

	offset, length, err = p.writer.Append(contentID, data)
	if err != nil {
		return "", 0, 0, err
	}
	packID = p.writer.ID()

	if p.writer.Size() >= p.cfg.PackTarget {
		if _, err := p.writer.Seal(); err != nil {
			return "", 0, 0, err
		}
		p.writer = nil
	}
	return packID, offset, length, nil
}
