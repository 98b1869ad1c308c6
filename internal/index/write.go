package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hupe1980/ece/fingerprint"
)

// CompoundRow is a compound as stored in the index.
type CompoundRow struct {
	ID          string
	Bucket      string
	Path        string
	Provenance  string
	ContentType string
	IngestedAt  time.Time
	Size        int64
}

// AtomRow is an atom extraction attached to a molecule.
type AtomRow struct {
	ID     string
	Label  string
	Type   string
	Weight float64
}

// MoleculeRow is a molecule as stored in the index.
type MoleculeRow struct {
	ID          string
	CompoundID  string
	Bucket      string
	Ordinal     int
	Start       int64
	End         int64
	Fingerprint uint64
	Timestamp   time.Time
	Atoms       []AtomRow
}

var typeRank = map[string]int{
	"symbol": 6, "entity": 5, "acronym": 5, "hashtag": 4,
	"mention": 3, "speaker": 2, "keyword": 1,
}

// Tx is a serialized write transaction.
type Tx struct {
	tx *sql.Tx
}

// Write runs fn in a write transaction. Writes are serialized; fn's error
// rolls the transaction back.
func (ix *Index) Write(ctx context.Context, fn func(tx *Tx) error) error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	db, release, err := ix.conn()
	if err != nil {
		return err
	}
	defer release()

	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&Tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Duplicate returns the id of a molecule in bucket within threshold bits of
// fp, as seen by this transaction.
func (t *Tx) Duplicate(ctx context.Context, bucket string, fp uint64, threshold int) (string, bool, error) {
	return duplicate(ctx, t.tx, bucket, fp, threshold)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func duplicate(ctx context.Context, q queryer, bucket string, fp uint64, threshold int) (string, bool, error) {
	if threshold < 0 {
		return "", false, nil
	}
	var (
		id  string
		err error
	)
	if threshold < fingerprint.BandCount {
		b := fingerprint.Bands(fp)
		err = q.QueryRowContext(ctx, `SELECT id FROM molecules
			WHERE bucket = ?1
			  AND (band0 = ?2 OR band1 = ?3 OR band2 = ?4 OR band3 = ?5)
			  AND hamming(fingerprint, ?6) <= ?7
			ORDER BY pk LIMIT 1`,
			bucket, int64(b[0]), int64(b[1]), int64(b[2]), int64(b[3]), int64(fp), threshold).Scan(&id)
	} else {
		err = q.QueryRowContext(ctx, `SELECT id FROM molecules
			WHERE bucket = ?1 AND hamming(fingerprint, ?2) <= ?3
			ORDER BY pk LIMIT 1`,
			bucket, int64(fp), threshold).Scan(&id)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dedup lookup: %w", err)
	}
	return id, true, nil
}

// InsertCompound inserts a compound row unless it exists.
func (t *Tx) InsertCompound(ctx context.Context, c CompoundRow) error {
	_, err := t.tx.ExecContext(ctx, `INSERT OR IGNORE INTO compounds
		(id, bucket, path, provenance, content_type, ingested_at, size)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Bucket, c.Path, c.Provenance, c.ContentType, c.IngestedAt.UnixNano(), c.Size)
	if err != nil {
		return fmt.Errorf("insert compound: %w", err)
	}
	return nil
}

// InsertMolecule inserts a molecule with its atoms and tag edges and returns
// the number of atoms that did not exist before.
func (t *Tx) InsertMolecule(ctx context.Context, m MoleculeRow) (int, error) {
	b := fingerprint.Bands(m.Fingerprint)
	res, err := t.tx.ExecContext(ctx, `INSERT INTO molecules
		(id, compound_id, bucket, ordinal, start_off, end_off, fingerprint, band0, band1, band2, band3, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.CompoundID, m.Bucket, m.Ordinal, m.Start, m.End, int64(m.Fingerprint),
		int64(b[0]), int64(b[1]), int64(b[2]), int64(b[3]), m.Timestamp.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("insert molecule %s: %w", m.ID, err)
	}
	molPK, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	created := 0
	for _, a := range m.Atoms {
		atomPK, isNew, err := t.upsertAtom(ctx, a)
		if err != nil {
			return created, err
		}
		if isNew {
			created++
		}
		if _, err := t.tx.ExecContext(ctx, `INSERT OR IGNORE INTO molecule_atoms(molecule_pk, atom_pk) VALUES (?, ?)`, molPK, atomPK); err != nil {
			return created, fmt.Errorf("insert edge: %w", err)
		}
	}
	return created, nil
}

// upsertAtom keeps the maximum weight and the highest ranked type across
// extractions so the result does not depend on insertion order.
func (t *Tx) upsertAtom(ctx context.Context, a AtomRow) (int64, bool, error) {
	var (
		pk     int64
		typ    string
		weight float64
	)
	err := t.tx.QueryRowContext(ctx, `SELECT pk, type, weight FROM atoms WHERE id = ?`, a.ID).Scan(&pk, &typ, &weight)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := t.tx.ExecContext(ctx, `INSERT INTO atoms(id, label, type, weight) VALUES (?, ?, ?, ?)`,
			a.ID, a.Label, a.Type, a.Weight)
		if err != nil {
			return 0, false, fmt.Errorf("insert atom %q: %w", a.ID, err)
		}
		pk, err = res.LastInsertId()
		return pk, true, err
	case err != nil:
		return 0, false, fmt.Errorf("lookup atom %q: %w", a.ID, err)
	}

	newType, newWeight := typ, weight
	if typeRank[a.Type] > typeRank[typ] {
		newType = a.Type
	}
	if a.Weight > weight {
		newWeight = a.Weight
	}
	if newType != typ || newWeight != weight {
		if _, err := t.tx.ExecContext(ctx, `UPDATE atoms SET type = ?, weight = ? WHERE pk = ?`, newType, newWeight, pk); err != nil {
			return 0, false, fmt.Errorf("update atom %q: %w", a.ID, err)
		}
	}
	return pk, false, nil
}

// SetGeneration records the mirror generation the index reflects.
func (t *Tx) SetGeneration(ctx context.Context, gen uint64) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO meta(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, metaGeneration, strconv.FormatUint(gen, 10))
	return err
}

// DeleteMolecules removes molecules and their tag edges.
func (t *Tx) DeleteMolecules(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	arg := jsonArray(ids)
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM molecule_atoms WHERE molecule_pk IN
		(SELECT pk FROM molecules WHERE id IN (SELECT value FROM json_each(?)))`, arg); err != nil {
		return 0, fmt.Errorf("delete edges: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `DELETE FROM molecules WHERE id IN (SELECT value FROM json_each(?))`, arg)
	if err != nil {
		return 0, fmt.Errorf("delete molecules: %w", err)
	}
	return res.RowsAffected()
}

// ReclaimOrphans deletes atoms without edges and compounds without
// molecules.
func (t *Tx) ReclaimOrphans(ctx context.Context) (atoms, compounds int64, err error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM atoms WHERE NOT EXISTS
		(SELECT 1 FROM molecule_atoms ma WHERE ma.atom_pk = atoms.pk)`)
	if err != nil {
		return 0, 0, fmt.Errorf("reclaim atoms: %w", err)
	}
	if atoms, err = res.RowsAffected(); err != nil {
		return 0, 0, err
	}
	res, err = t.tx.ExecContext(ctx, `DELETE FROM compounds WHERE NOT EXISTS
		(SELECT 1 FROM molecules m WHERE m.compound_id = compounds.id)`)
	if err != nil {
		return atoms, 0, fmt.Errorf("reclaim compounds: %w", err)
	}
	compounds, err = res.RowsAffected()
	return atoms, compounds, err
}

// OptimizeFTS merges the FTS b-trees.
func (t *Tx) OptimizeFTS(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO atoms_fts(atoms_fts) VALUES ('optimize')`)
	return err
}

// Batch is a unit of ingest committed by Commit.
type Batch struct {
	Compound  CompoundRow
	Molecules []MoleculeRow
	// Threshold is the bucket-scoped Hamming dedup threshold. Negative
	// disables the gate.
	Threshold int
	// Persist runs inside the transaction with the molecules that passed the
	// gate, before the commit. It returns the mirror generation to record.
	// A Persist error rolls the batch back and marks the index corrupt,
	// since the mirror may already be ahead of it.
	Persist func(accepted []MoleculeRow) (uint64, error)
}

// Rejected is a molecule dropped by the dedup gate.
type Rejected struct {
	ID string
	Of string // Id of the molecule it duplicates.
}

// CommitResult reports the outcome of Commit.
type CommitResult struct {
	Accepted   []MoleculeRow
	Duplicates []Rejected
	NewAtoms   int
	Generation uint64
}

// Commit applies the dedup gate to every molecule of b and inserts the
// survivors. The gate sees molecules accepted earlier in the same batch.
// If the commit fails once Persist has been called, the index may no longer
// reflect the mirror and is marked corrupt.
func (ix *Index) Commit(ctx context.Context, b Batch) (CommitResult, error) {
	var (
		res           CommitResult
		mirrorTouched bool
	)
	err := ix.Write(ctx, func(tx *Tx) error {
		compound := false
		for _, m := range b.Molecules {
			if of, dup, err := tx.Duplicate(ctx, m.Bucket, m.Fingerprint, b.Threshold); err != nil {
				return err
			} else if dup {
				res.Duplicates = append(res.Duplicates, Rejected{ID: m.ID, Of: of})
				continue
			}
			if !compound {
				if err := tx.InsertCompound(ctx, b.Compound); err != nil {
					return err
				}
				compound = true
			}
			n, err := tx.InsertMolecule(ctx, m)
			if err != nil {
				return err
			}
			res.NewAtoms += n
			res.Accepted = append(res.Accepted, m)
		}
		if b.Persist == nil {
			return nil
		}
		mirrorTouched = true
		gen, err := b.Persist(res.Accepted)
		if err != nil {
			return err
		}
		res.Generation = gen
		return tx.SetGeneration(ctx, gen)
	})
	if err != nil {
		if mirrorTouched {
			ix.MarkCorrupt("commit failed after mirror write: " + err.Error())
		}
		return CommitResult{}, err
	}
	return res, nil
}
