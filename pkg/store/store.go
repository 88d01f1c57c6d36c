// Package store implements the Object Store: content-addressed pack files
// on disk plus a single-writer SQLite index for the dedup map, pack
// metadata, snapshot pointers, and peer records.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/WebFirstLanguage/beenet/pkg/errs"
	"github.com/WebFirstLanguage/beenet/pkg/log"
)

var storeLog = log.Component("store")

// Store owns one data directory: packs/, snapshots/, and index.db. All
// writes serialize through the single *sql.DB held here, per the core's
// single-serialization-point requirement; reads use the same pool's
// non-exclusive connections.
type Store struct {
	dataDir string
	db      *sql.DB
	writeMu sync.Mutex
}

// Stats mirrors the teacher's ContentStats shape, generalized to packs.
type Stats struct {
	TotalPacks  uint64
	TotalChunks uint64
	TotalBytes  uint64
}

const schema = `
CREATE TABLE IF NOT EXISTS packs (
	id TEXT PRIMARY KEY,
	size INTEGER NOT NULL,
	sealed_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS chunk_locations (
	content_id TEXT PRIMARY KEY,
	pack_id TEXT NOT NULL REFERENCES packs(id),
	offset INTEGER NOT NULL,
	length INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunk_locations_pack ON chunk_locations(pack_id);
CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	pack_refs TEXT NOT NULL,
	pointer BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS pack_placements (
	pack_id TEXT NOT NULL,
	peer_id TEXT NOT NULL,
	placed_at INTEGER NOT NULL,
	PRIMARY KEY (pack_id, peer_id)
);
CREATE TABLE IF NOT EXISTS peers (
	peer_id TEXT PRIMARY KEY,
	address TEXT NOT NULL,
	noise_key BLOB,
	outgoing_bytes INTEGER NOT NULL DEFAULT 0,
	incoming_bytes INTEGER NOT NULL DEFAULT 0,
	last_seen INTEGER NOT NULL
);
`

// Open creates or reopens a Store rooted at dataDir, enabling WAL mode on
// the underlying SQLite connection.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "packs"), 0700); err != nil {
		return nil, errs.NewIO("create packs dir", err)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "snapshots"), 0700); err != nil {
		return nil, errs.NewIO("create snapshots dir", err)
	}

	dbPath := filepath.Join(dataDir, "index.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errs.NewIO("open index db", err)
	}
	db.SetMaxOpenConns(8)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errs.NewIO("enable wal", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.NewIO("init schema", err)
	}

	s := &Store{dataDir: dataDir, db: db}
	storeLog.WithField("data_dir", dataDir).Info("object store opened")
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// packPath returns the two-level sharded path for a pack id, matching
// packs/aa/bb/<packid>.pack.
func (s *Store) packPath(packID string) string {
	shardA, shardB := packID[0:2], packID[2:4]
	return filepath.Join(s.dataDir, "packs", shardA, shardB, packID+".pack")
}

// Lookup returns the pack location of contentID, or ok=false if it is not
// present in the dedup map.
func (s *Store) Lookup(contentID string) (packID string, offset, length int64, ok bool, err error) {
	row := s.db.QueryRow(
		`SELECT pack_id, offset, length FROM chunk_locations WHERE content_id = ?`, contentID)
	err = row.Scan(&packID, &offset, &length)
	if err == sql.ErrNoRows {
		return "", 0, 0, false, nil
	}
	if err != nil {
		return "", 0, 0, false, errs.NewDatabaseBusy("lookup chunk location", err)
	}
	return packID, offset, length, true, nil
}

// Has reports whether contentID is already stored, for the Packer's dedup
// check.
func (s *Store) Has(contentID string) bool {
	_, _, _, ok, _ := s.Lookup(contentID)
	return ok
}

// ReadChunk opens the pack holding contentID and returns its stored bytes
// (still AEAD-sealed; callers decrypt with pkg/crypto).
func (s *Store) ReadChunk(contentID string) ([]byte, error) {
	packID, offset, length, ok, err := s.Lookup(contentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NewMissingChunk("chunk not indexed", "")
	}

	f, err := os.Open(s.packPath(packID))
	if err != nil {
		return nil, errs.NewCorruptPack(fmt.Sprintf("open pack %s", packID), err)
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, errs.NewCorruptPack(fmt.Sprintf("read pack %s at %d", packID, offset), err)
	}
	return buf, nil
}

// DeletePack removes one pack unconditionally: its chunk index rows,
// placement rows, pack row, and file on disk. Used when hosting a pack on
// another peer's behalf and that peer asks us to drop it, as opposed to
// GC which only ever reclaims packs unreferenced by our own snapshots.
func (s *Store) DeletePack(packID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errs.NewDatabaseBusy("delete pack: begin tx", err)
	}
	if _, err := tx.Exec(`DELETE FROM chunk_locations WHERE pack_id = ?`, packID); err != nil {
		tx.Rollback()
		return errs.NewDatabaseBusy("delete pack: chunk locations", err)
	}
	if _, err := tx.Exec(`DELETE FROM pack_placements WHERE pack_id = ?`, packID); err != nil {
		tx.Rollback()
		return errs.NewDatabaseBusy("delete pack: placements", err)
	}
	if _, err := tx.Exec(`DELETE FROM packs WHERE id = ?`, packID); err != nil {
		tx.Rollback()
		return errs.NewDatabaseBusy("delete pack: pack row", err)
	}
	if err := tx.Commit(); err != nil {
		return errs.NewDatabaseBusy("delete pack: commit", err)
	}

	if err := os.Remove(s.packPath(packID)); err != nil && !os.IsNotExist(err) {
		return errs.NewIO("delete pack: remove file", err)
	}
	return nil
}

// ReadPack returns the full sealed bytes of one pack file, for handing to
// the Transport Scheduler's PUT path.
func (s *Store) ReadPack(packID string) ([]byte, error) {
	data, err := os.ReadFile(s.packPath(packID))
	if err != nil {
		return nil, errs.NewCorruptPack(fmt.Sprintf("read pack %s", packID), err)
	}
	return data, nil
}

// Stats reports aggregate counters across all packs.
func (s *Store) Stats() (*Stats, error) {
	var st Stats
	row := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM packs`)
	if err := row.Scan(&st.TotalPacks, &st.TotalBytes); err != nil {
		return nil, errs.NewDatabaseBusy("stats: packs", err)
	}
	row = s.db.QueryRow(`SELECT COUNT(*) FROM chunk_locations`)
	if err := row.Scan(&st.TotalChunks); err != nil {
		return nil, errs.NewDatabaseBusy("stats: chunk_locations", err)
	}
	return &st, nil
}

// RecordSnapshot persists a sealed snapshot's pointer and the packs it
// references, for GC to consult.
func (s *Store) RecordSnapshot(id string, createdAtUnix int64, packRefsCSV string, pointer []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO snapshots (id, created_at, pack_refs, pointer) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET pack_refs = excluded.pack_refs, pointer = excluded.pointer`,
		id, createdAtUnix, packRefsCSV, pointer)
	if err != nil {
		return errs.NewDatabaseBusy("record snapshot", err)
	}
	return nil
}

// GetSnapshotPointer returns the stored pointer blob for a snapshot id.
func (s *Store) GetSnapshotPointer(id string) ([]byte, error) {
	var pointer []byte
	row := s.db.QueryRow(`SELECT pointer FROM snapshots WHERE id = ?`, id)
	if err := row.Scan(&pointer); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NewConfigMissing(fmt.Sprintf("snapshot %s not found", id))
		}
		return nil, errs.NewDatabaseBusy("get snapshot pointer", err)
	}
	return pointer, nil
}

// RecordPlacement notes that packID was successfully placed on peerID,
// building the placement map the Restore Coordinator consults to target
// its GET requests before falling back to the full reservation-peer set.
func (s *Store) RecordPlacement(packID, peerID string, placedAtUnix int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO pack_placements (pack_id, peer_id, placed_at) VALUES (?, ?, ?)
		 ON CONFLICT(pack_id, peer_id) DO UPDATE SET placed_at = excluded.placed_at`,
		packID, peerID, placedAtUnix)
	if err != nil {
		return errs.NewDatabaseBusy("record placement", err)
	}
	return nil
}

// PlacementPeers returns every peer known to hold packID.
func (s *Store) PlacementPeers(packID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT peer_id FROM pack_placements WHERE pack_id = ?`, packID)
	if err != nil {
		return nil, errs.NewDatabaseBusy("list placement peers", err)
	}
	defer rows.Close()

	var peers []string
	for rows.Next() {
		var peerID string
		if err := rows.Scan(&peerID); err != nil {
			return nil, errs.NewDatabaseBusy("scan placement peer", err)
		}
		peers = append(peers, peerID)
	}
	return peers, rows.Err()
}

// Peer is one entry in the address book: a peer-id, its last known
// address and Noise static key, and the reservation balance negotiated
// with it in each direction.
type Peer struct {
	PeerID        string
	Address       string
	NoiseKey      []byte
	OutgoingBytes int64
	IncomingBytes int64
	LastSeen      int64
}

// UpsertPeer records the last known network address and Noise static key
// for a peer, used by the Negotiator/Scheduler to remember reachable peers
// across restarts. NoiseKey may be nil if not yet learned.
func (s *Store) UpsertPeer(peerID, address string, noiseKey []byte, lastSeenUnix int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO peers (peer_id, address, noise_key, last_seen) VALUES (?, ?, ?, ?)
		 ON CONFLICT(peer_id) DO UPDATE SET address = excluded.address,
		   noise_key = COALESCE(excluded.noise_key, peers.noise_key),
		   last_seen = excluded.last_seen`,
		peerID, address, noiseKey, lastSeenUnix)
	if err != nil {
		return errs.NewDatabaseBusy("upsert peer", err)
	}
	return nil
}

// SetReservation records the byte allowance negotiated with a peer in each
// direction, replacing any prior grant.
func (s *Store) SetReservation(peerID string, outgoingBytes, incomingBytes int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(
		`UPDATE peers SET outgoing_bytes = ?, incoming_bytes = ? WHERE peer_id = ?`,
		outgoingBytes, incomingBytes, peerID)
	if err != nil {
		return errs.NewDatabaseBusy("set reservation", err)
	}
	return nil
}

// GetPeer returns the address book entry for a peer id.
func (s *Store) GetPeer(peerID string) (*Peer, error) {
	p := &Peer{PeerID: peerID}
	row := s.db.QueryRow(
		`SELECT address, noise_key, outgoing_bytes, incoming_bytes, last_seen FROM peers WHERE peer_id = ?`, peerID)
	if err := row.Scan(&p.Address, &p.NoiseKey, &p.OutgoingBytes, &p.IncomingBytes, &p.LastSeen); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NewConfigMissing(fmt.Sprintf("peer %s not found", peerID))
		}
		return nil, errs.NewDatabaseBusy("get peer", err)
	}
	return p, nil
}

// ListPeers returns every known peer, for the Restore Coordinator's
// conservative-superset contact set.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(
		`SELECT peer_id, address, noise_key, outgoing_bytes, incoming_bytes, last_seen FROM peers`)
	if err != nil {
		return nil, errs.NewDatabaseBusy("list peers", err)
	}
	defer rows.Close()

	var peers []Peer
	for rows.Next() {
		var p Peer
		if err := rows.Scan(&p.PeerID, &p.Address, &p.NoiseKey, &p.OutgoingBytes, &p.IncomingBytes, &p.LastSeen); err != nil {
			return nil, errs.NewDatabaseBusy("scan peer", err)
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}
