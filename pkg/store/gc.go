package store

import (
	"os"
	"strings"

	"github.com/WebFirstLanguage/beenet/pkg/errs"
)

// GC evicts packs that are no longer referenced by any of the retained
// snapshots, implementing the lifecycle rule: keep only the packs reachable
// from the N most recent successful snapshots. Callers pass the ids of the
// snapshots to retain (e.g. the last constants.SnapshotRetentionN).
func (s *Store) GC(retainSnapshotIDs []string) (reclaimed int64, err error) {
	live := make(map[string]bool)
	for _, id := range retainSnapshotIDs {
		var packRefsCSV string
		row := s.db.QueryRow(`SELECT pack_refs FROM snapshots WHERE id = ?`, id)
		if err := row.Scan(&packRefsCSV); err != nil {
			continue // snapshot already gone; nothing to retain for it
		}
		for _, p := range strings.Split(packRefsCSV, ",") {
			if p != "" {
				live[p] = true
			}
		}
	}

	rows, err := s.db.Query(`SELECT id, size FROM packs`)
	if err != nil {
		return 0, errs.NewDatabaseBusy("gc: list packs", err)
	}
	type packRow struct {
		id   string
		size int64
	}
	var dead []packRow
	for rows.Next() {
		var p packRow
		if err := rows.Scan(&p.id, &p.size); err != nil {
			rows.Close()
			return 0, errs.NewDatabaseBusy("gc: scan pack row", err)
		}
		if !live[p.id] {
			dead = append(dead, p)
		}
	}
	rows.Close()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, p := range dead {
		tx, err := s.db.Begin()
		if err != nil {
			return reclaimed, errs.NewDatabaseBusy("gc: begin delete tx", err)
		}
		if _, err := tx.Exec(`DELETE FROM chunk_locations WHERE pack_id = ?`, p.id); err != nil {
			tx.Rollback()
			return reclaimed, errs.NewDatabaseBusy("gc: delete chunk locations", err)
		}
		if _, err := tx.Exec(`DELETE FROM pack_placements WHERE pack_id = ?`, p.id); err != nil {
			tx.Rollback()
			return reclaimed, errs.NewDatabaseBusy("gc: delete pack placements", err)
		}
		if _, err := tx.Exec(`DELETE FROM packs WHERE id = ?`, p.id); err != nil {
			tx.Rollback()
			return reclaimed, errs.NewDatabaseBusy("gc: delete pack row", err)
		}
		if err := tx.Commit(); err != nil {
			return reclaimed, errs.NewDatabaseBusy("gc: commit delete tx", err)
		}

		if rmErr := os.Remove(s.packPath(p.id)); rmErr == nil || os.IsNotExist(rmErr) {
			reclaimed += p.size
		} else {
			storeLog.WithField("pack_id", p.id).WithField("error", rmErr).Warn("gc: failed to remove pack file")
		}
	}

	storeLog.WithField("packs_removed", len(dead)).WithField("bytes_reclaimed", reclaimed).Info("gc complete")
	return reclaimed, nil
}
