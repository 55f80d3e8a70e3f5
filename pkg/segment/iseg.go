package segment

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/downfa11-org/segstore/pkg/types"
	"github.com/downfa11-org/segstore/util"

	_ "modernc.org/sqlite" // pure Go sqlite driver
)

// The journal stays in rollback mode: committing must rewrite the main
// file, since its mtime is compared with the data.
var isegSchema = []string{
	`CREATE TABLE IF NOT EXISTS md (
		"offset" INTEGER PRIMARY KEY,
		size INTEGER NOT NULL,
		notes TEXT,
		reftime TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS md_idx_reftime ON md(reftime);`,
}

const isegTimeLayout = time.DateTime

// isegIndex keeps the listing in a per-segment SQLite catalog. The
// database is opened for each operation, so no handle outlives the lock
// the caller holds.
type isegIndex struct {
	seg *types.Segment
}

func (x *isegIndex) kind() IndexKind { return IndexIseg }
func (x *isegIndex) cached() bool    { return true }
func (x *isegIndex) path() string    { return x.seg.Path(types.SuffixIndex) }

func (x *isegIndex) timestamp() (time.Time, bool) {
	return util.Mtime(x.path())
}

func (x *isegIndex) summaryTimestamp() (time.Time, bool, bool) {
	return time.Time{}, false, false
}

// open opens the catalog, creating it only if create is set.
func (x *isegIndex) open(create bool) (*sql.DB, error) {
	if !create && !util.Exists(x.path()) {
		return nil, fmt.Errorf("%s: %w", x.path(), os.ErrNotExist)
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", x.path()))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", x.path(), err)
	}
	db.SetMaxOpenConns(1)
	if create {
		for _, stmt := range isegSchema {
			if _, err := db.Exec(stmt); err != nil {
				return nil, errors.Join(fmt.Errorf("failed to create schema in %s: %w", x.path(), err), db.Close())
			}
		}
	}
	return db, nil
}

func formatRefTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(isegTimeLayout)
}

func parseRefTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(isegTimeLayout, s, time.UTC)
}

func intervalArgs(iv *types.Interval) (string, []any) {
	if iv == nil {
		return "", nil
	}
	return ` WHERE reftime BETWEEN ? AND ?`, []any{formatRefTime(iv.Begin), formatRefTime(iv.End)}
}

func (x *isegIndex) list(iv *types.Interval) (types.Collection, error) {
	db, err := x.open(false)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	where, args := intervalArgs(iv)
	rows, err := db.Query(`SELECT "offset", size, notes, reftime FROM md`+where+` ORDER BY "offset"`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", x.path(), err)
	}
	defer rows.Close()

	var mds types.Collection
	for rows.Next() {
		var (
			offset, size uint64
			notes        sql.NullString
			reftime      string
		)
		if err := rows.Scan(&offset, &size, &notes, &reftime); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", x.path(), err)
		}
		rt, err := parseRefTime(reftime)
		if err != nil {
			return nil, fmt.Errorf("%s: bad reftime at offset %d: %w", x.path(), offset, err)
		}
		md := &types.Record{Source: x.seg.Blob(offset, size), RefTime: rt}
		if notes.Valid {
			if err := json.Unmarshal([]byte(notes.String), &md.Notes); err != nil {
				return nil, fmt.Errorf("%s: bad notes at offset %d: %w", x.path(), offset, err)
			}
		}
		mds = append(mds, md)
	}
	return mds, rows.Err()
}

func (x *isegIndex) summary(iv *types.Interval) (types.Summary, error) {
	db, err := x.open(false)
	if err != nil {
		return types.Summary{}, err
	}
	defer db.Close()

	where, args := intervalArgs(iv)
	var (
		s          types.Summary
		begin, end sql.NullString
	)
	row := db.QueryRow(`SELECT COUNT(1), COALESCE(SUM(size), 0), MIN(NULLIF(reftime, '')), MAX(NULLIF(reftime, '')) FROM md`+where, args...)
	if err := row.Scan(&s.Count, &s.Size, &begin, &end); err != nil {
		return types.Summary{}, fmt.Errorf("failed to summarise %s: %w", x.path(), err)
	}
	if begin.Valid {
		if s.Begin, err = parseRefTime(begin.String); err != nil {
			return types.Summary{}, err
		}
	}
	if end.Valid {
		if s.End, err = parseRefTime(end.String); err != nil {
			return types.Summary{}, err
		}
	}
	return s, nil
}

// insert runs in tx, replacing all rows first if replace is set.
func insert(tx *sql.Tx, mds types.Collection, replace bool) error {
	if replace {
		if _, err := tx.Exec(`DELETE FROM md`); err != nil {
			return err
		}
	}
	stmt, err := tx.Prepare(`INSERT INTO md("offset", size, notes, reftime) VALUES(?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, md := range mds {
		var notes sql.NullString
		if len(md.Notes) > 0 {
			raw, err := json.Marshal(md.Notes)
			if err != nil {
				return err
			}
			notes = sql.NullString{String: string(raw), Valid: true}
		}
		if _, err := stmt.Exec(md.Source.Offset, md.Source.Size, notes, formatRefTime(md.RefTime)); err != nil {
			return fmt.Errorf("cannot index %s: %w", md.Source, err)
		}
	}
	return nil
}

func (x *isegIndex) write(mds types.Collection, replace bool) error {
	db, err := x.open(true)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction on %s: %w", x.path(), err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := insert(tx, mds, replace); err != nil {
		return fmt.Errorf("failed to update %s: %w", x.path(), err)
	}
	return tx.Commit()
}

func (x *isegIndex) writeListing(mds types.Collection) error { return x.write(mds, true) }
func (x *isegIndex) reindex(mds types.Collection) error      { return x.write(mds, true) }
func (x *isegIndex) add(mds types.Collection) error          { return x.write(mds, false) }

func (x *isegIndex) rewrite(mds types.Collection) error {
	return util.PreserveTimes(x.path(), func() error { return x.write(mds, true) })
}

func (x *isegIndex) markRemoved(offsets []uint64) (types.Collection, error) {
	db, err := x.open(false)
	if err != nil {
		return nil, err
	}
	err = func() error {
		defer db.Close()
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		stmt, err := tx.Prepare(`DELETE FROM md WHERE "offset" = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, o := range offsets {
			if _, err := stmt.Exec(o); err != nil {
				return err
			}
		}
		return tx.Commit()
	}()
	if err != nil {
		return nil, fmt.Errorf("failed to deindex records from %s: %w", x.path(), err)
	}
	return x.list(nil)
}

func (x *isegIndex) markAllRemoved() error {
	return util.PreserveTimes(x.path(), func() error { return x.write(nil, true) })
}

func (x *isegIndex) invalidate() error {
	_, err := x.remove()
	return err
}

func (x *isegIndex) remove() (int64, error) {
	n, err := util.RemoveIfExists(x.path())
	_, jerr := util.RemoveIfExists(x.path() + "-journal")
	return n, errors.Join(err, jerr)
}

func (x *isegIndex) touch(ts time.Time) error {
	return util.TouchIfExists(x.path(), ts)
}
