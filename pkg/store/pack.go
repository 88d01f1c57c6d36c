package store

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/WebFirstLanguage/beenet/pkg/errs"
)

// PackWriter accumulates encrypted chunks into one open pack file. Only one
// PackWriter may be active per Store at a time; Begin enforces this via the
// Store's write mutex.
type PackWriter struct {
	store   *Store
	id      string
	tmpPath string
	file    *os.File
	offset  int64
	entries []chunkEntry
}

type chunkEntry struct {
	contentID string
	offset    int64
	length    int64
}

// Begin opens a new pack for writing, locking the Store against concurrent
// writers until Seal or Abort releases it.
func (s *Store) Begin() (*PackWriter, error) {
	s.writeMu.Lock()

	id, err := newPackID()
	if err != nil {
		s.writeMu.Unlock()
		return nil, err
	}

	tmpPath := filepath.Join(s.dataDir, "packs", id+".pack.tmp")
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		s.writeMu.Unlock()
		return nil, errs.NewIO("create pack tmp file", err)
	}

	return &PackWriter{store: s, id: id, tmpPath: tmpPath, file: f}, nil
}

// Append writes one already-encrypted chunk to the open pack and returns
// its offset/length for the dedup index.
func (w *PackWriter) Append(contentID string, data []byte) (offset, length int64, err error) {
	n, err := w.file.Write(data)
	if err != nil {
		return 0, 0, errs.NewIO("append chunk to pack", err)
	}
	offset = w.offset
	length = int64(n)
	w.offset += length
	w.entries = append(w.entries, chunkEntry{contentID: contentID, offset: offset, length: length})
	return offset, length, nil
}

// Size returns the number of bytes written so far, for the Packer's
// size/completion seal decision.
func (w *PackWriter) Size() int64 { return w.offset }

// ID returns the pack id this writer will seal under.
func (w *PackWriter) ID() string { return w.id }

// Seal fsyncs and atomically renames the pack into its sharded final
// location, then records the pack and every chunk location in one
// transaction, so the index never holds only part of a pack's entries.
// The rename happens first: a crash between rename and index write leaves
// a .pack file with no index row, which GC (listing packs from the index)
// never treats as live and never removes.
func (w *PackWriter) Seal() (string, error) {
	defer w.store.writeMu.Unlock()

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return "", errs.NewIO("fsync pack", err)
	}
	if err := w.file.Close(); err != nil {
		return "", errs.NewIO("close pack", err)
	}

	finalPath := w.store.packPath(w.id)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0700); err != nil {
		return "", errs.NewIO("create pack shard dir", err)
	}
	if err := os.Rename(w.tmpPath, finalPath); err != nil {
		return "", errs.NewIO("rename pack into place", err)
	}

	tx, err := w.store.db.Begin()
	if err != nil {
		return "", errs.NewDatabaseBusy("begin seal transaction", err)
	}

	if _, err := tx.Exec(`INSERT INTO packs (id, size, sealed_at) VALUES (?, ?, strftime('%s','now'))`,
		w.id, w.offset); err != nil {
		tx.Rollback()
		return "", errs.NewDatabaseBusy("insert pack row", err)
	}
	for _, e := range w.entries {
		if _, err := tx.Exec(
			`INSERT INTO chunk_locations (content_id, pack_id, offset, length) VALUES (?, ?, ?, ?)`,
			e.contentID, w.id, e.offset, e.length); err != nil {
			tx.Rollback()
			return "", errs.NewDatabaseBusy("insert chunk location", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", errs.NewDatabaseBusy("commit seal transaction", err)
	}

	storeLog.WithField("pack_id", w.id).WithField("size", w.offset).Info("pack sealed")
	return w.id, nil
}

// Abort discards a pack that was opened but should not be kept, e.g. on
// cancellation mid-backup.
func (w *PackWriter) Abort() error {
	defer w.store.writeMu.Unlock()
	w.file.Close()
	return os.Remove(w.tmpPath)
}

func newPackID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", errs.NewIO("generate pack id", err)
	}
	return hex.EncodeToString(b), nil
}
