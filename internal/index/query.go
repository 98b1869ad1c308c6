package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Filter restricts retrieval. Zero values mean "no restriction".
type Filter struct {
	Buckets []string
	Tags    []string // Normalized atom ids; a molecule matches if it has any.
	From    time.Time
	To      time.Time
}

// Hit is a scored molecule.
type Hit struct {
	PK          int64
	ID          string
	CompoundID  string
	Bucket      string
	Path        string
	Ordinal     int
	Start       int64
	End         int64
	Fingerprint uint64
	Timestamp   time.Time

	Score float64
	// Phase 1 components.
	Lexical float64
	Matched int
	// Phase 2 components.
	Shared   int
	Decay    float64
	Distance int
}

func jsonArray[T any](v []T) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func (f Filter) bounds() (int64, int64) {
	from, to := int64(math.MinInt64), int64(math.MaxInt64)
	if !f.From.IsZero() {
		from = f.From.UnixNano()
	}
	if !f.To.IsZero() {
		to = f.To.UnixNano()
	}
	return from, to
}

// filterSQL expects the molecule alias m and binds buckets, tags, from and to
// to the numbered parameters starting at base.
func filterSQL(base int) string {
	p := func(i int) string { return fmt.Sprintf("?%d", base+i) }
	return `(json_array_length(` + p(0) + `) = 0 OR m.bucket IN (SELECT value FROM json_each(` + p(0) + `)))
	  AND (json_array_length(` + p(1) + `) = 0 OR EXISTS (
		SELECT 1 FROM molecule_atoms fa JOIN atoms ft ON ft.pk = fa.atom_pk
		WHERE fa.molecule_pk = m.pk AND ft.id IN (SELECT value FROM json_each(` + p(1) + `))))
	  AND m.ts >= ` + p(2) + ` AND m.ts <= ` + p(3)
}

func (f Filter) args() []any {
	from, to := f.bounds()
	return []any{jsonArray(f.Buckets), jsonArray(f.Tags), from, to}
}

// MatchQuery builds an FTS5 expression that matches any of terms. Terms are
// quoted so FTS5 operators in user input are inert.
func MatchQuery(terms []string) string {
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, "")
		t = strings.TrimSpace(t)
		if t != "" {
			quoted = append(quoted, `"`+t+`"`)
		}
	}
	return strings.Join(quoted, " OR ")
}

const hitColumns = `m.pk, m.id, m.compound_id, m.bucket, COALESCE(c.path, ''), m.ordinal,
	m.start_off, m.end_off, m.fingerprint, m.ts`

func scanHit(rows *sql.Rows, extra ...any) (Hit, error) {
	var (
		h  Hit
		fp int64
		ts int64
	)
	dest := append([]any{&h.PK, &h.ID, &h.CompoundID, &h.Bucket, &h.Path, &h.Ordinal,
		&h.Start, &h.End, &fp, &ts}, extra...)
	if err := rows.Scan(dest...); err != nil {
		return h, err
	}
	h.Fingerprint = uint64(fp)
	h.Timestamp = time.Unix(0, ts).UTC()
	return h, nil
}

// Phase1 ranks molecules whose atoms match any of terms. Score is the summed
// weight of matching atoms divided by the number of terms.
func (ix *Index) Phase1(ctx context.Context, terms []string, f Filter, limit int) ([]Hit, error) {
	match := MatchQuery(terms)
	if match == "" || limit <= 0 {
		return nil, nil
	}
	db, release, err := ix.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	query := `WITH matched AS (
		SELECT rowid AS atom_pk FROM atoms_fts WHERE atoms_fts MATCH ?1
	)
	SELECT ` + hitColumns + `, SUM(a.weight) AS lexical, COUNT(*) AS matched
	FROM matched x
	JOIN molecule_atoms ma ON ma.atom_pk = x.atom_pk
	JOIN atoms a ON a.pk = x.atom_pk
	JOIN molecules m ON m.pk = ma.molecule_pk
	LEFT JOIN compounds c ON c.id = m.compound_id
	WHERE ` + filterSQL(3) + `
	GROUP BY m.pk
	ORDER BY lexical DESC, m.ts DESC, m.compound_id ASC, m.ordinal ASC
	LIMIT ?2`

	args := append([]any{match, limit}, f.args()...)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("phase 1: %w", err)
	}
	defer rows.Close()

	var out []Hit
	for rows.Next() {
		var lexical float64
		var matched int
		h, err := scanHit(rows, &lexical, &matched)
		if err != nil {
			return nil, fmt.Errorf("scan phase 1: %w", err)
		}
		h.Lexical = lexical / float64(len(terms))
		h.Matched = matched
		h.Score = h.Lexical
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("phase 1: %w", err)
	}
	return out, nil
}

// Phase2 walks the tag edges of seeds. Each neighbour is scored by
// shared_tags * decay(anchor - ts) * (1 - min_hamming_to_seeds / 64). Seeds,
// the molecules in exclude and non-positive scores are left out of the result.
func (ix *Index) Phase2(ctx context.Context, seeds, exclude []int64, anchor time.Time, lambda float64, f Filter, limit int) ([]Hit, error) {
	if len(seeds) == 0 || limit <= 0 {
		return nil, nil
	}
	db, release, err := ix.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	query := `WITH seeds AS (
		SELECT CAST(value AS INTEGER) AS seed_pk FROM json_each(?1)
	),
	excluded AS (
		SELECT seed_pk AS pk FROM seeds
		UNION SELECT CAST(value AS INTEGER) FROM json_each(?5)
	),
	seed_atoms AS (
		SELECT DISTINCT ma.atom_pk FROM molecule_atoms ma JOIN seeds s ON ma.molecule_pk = s.seed_pk
	),
	cand AS (
		SELECT ma.molecule_pk AS pk, COUNT(*) AS shared
		FROM molecule_atoms ma JOIN seed_atoms sa ON sa.atom_pk = ma.atom_pk
		WHERE ma.molecule_pk NOT IN (SELECT pk FROM excluded)
		GROUP BY ma.molecule_pk
	),
	scored AS (
		SELECT ` + hitColumns + `, cd.shared AS shared,
			decay(?2 - m.ts, ?3) AS dcy,
			(SELECT MIN(hamming(m.fingerprint, sm.fingerprint))
			   FROM molecules sm JOIN seeds s ON sm.pk = s.seed_pk) AS dist
		FROM cand cd
		JOIN molecules m ON m.pk = cd.pk
		LEFT JOIN compounds c ON c.id = m.compound_id
		WHERE ` + filterSQL(6) + `
	)
	SELECT * FROM (
		SELECT *, shared * dcy * (1.0 - dist / 64.0) AS score FROM scored
	) WHERE score > 0
	ORDER BY score DESC, ts DESC, compound_id ASC, ordinal ASC
	LIMIT ?4`

	args := append([]any{jsonArray(seeds), anchor.UnixNano(), lambda, limit, jsonArray(exclude)}, f.args()...)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("phase 2: %w", err)
	}
	defer rows.Close()

	var out []Hit
	for rows.Next() {
		var (
			shared int
			dcy    float64
			dist   int
			score  float64
		)
		h, err := scanHit(rows, &shared, &dcy, &dist, &score)
		if err != nil {
			return nil, fmt.Errorf("scan phase 2: %w", err)
		}
		h.Shared, h.Decay, h.Distance, h.Score = shared, dcy, dist, score
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("phase 2: %w", err)
	}
	return out, nil
}

// Duplicate is the read-only dedup probe used before an ingest touches the
// mirror.
func (ix *Index) Duplicate(ctx context.Context, bucket string, fp uint64, threshold int) (string, bool, error) {
	db, release, err := ix.conn()
	if err != nil {
		return "", false, err
	}
	defer release()
	return duplicate(ctx, db, bucket, fp, threshold)
}

// Atoms returns the atom ids of molecules keyed by molecule pk.
func (ix *Index) Atoms(ctx context.Context, pks []int64) (map[int64][]string, error) {
	out := make(map[int64][]string, len(pks))
	if len(pks) == 0 {
		return out, nil
	}
	db, release, err := ix.conn()
	if err != nil {
		return nil, err
	}
	defer release()
	rows, err := db.QueryContext(ctx, `SELECT ma.molecule_pk, a.id
		FROM molecule_atoms ma JOIN atoms a ON a.pk = ma.atom_pk
		WHERE ma.molecule_pk IN (SELECT CAST(value AS INTEGER) FROM json_each(?))
		ORDER BY ma.molecule_pk, a.id`, jsonArray(pks))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			pk int64
			id string
		)
		if err := rows.Scan(&pk, &id); err != nil {
			return nil, err
		}
		out[pk] = append(out[pk], id)
	}
	return out, rows.Err()
}

// Entry is a molecule listed for maintenance.
type Entry struct {
	ID          string
	CompoundID  string
	Ordinal     int
	Fingerprint uint64
	IngestedAt  int64
}

// Entries lists the molecules of a bucket, oldest compound first.
func (ix *Index) Entries(ctx context.Context, bucket string) ([]Entry, error) {
	db, release, err := ix.conn()
	if err != nil {
		return nil, err
	}
	defer release()
	rows, err := db.QueryContext(ctx, `SELECT m.id, m.compound_id, m.ordinal, m.fingerprint, COALESCE(c.ingested_at, 0)
		FROM molecules m LEFT JOIN compounds c ON c.id = m.compound_id
		WHERE m.bucket = ?
		ORDER BY COALESCE(c.ingested_at, 0), m.compound_id, m.ordinal`, bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			fp int64
		)
		if err := rows.Scan(&e.ID, &e.CompoundID, &e.Ordinal, &fp, &e.IngestedAt); err != nil {
			return nil, err
		}
		e.Fingerprint = uint64(fp)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Buckets lists the buckets that have molecules.
func (ix *Index) Buckets(ctx context.Context) ([]string, error) {
	db, release, err := ix.conn()
	if err != nil {
		return nil, err
	}
	defer release()
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT bucket FROM molecules ORDER BY bucket`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Molecule looks up a molecule by id.
func (ix *Index) Molecule(ctx context.Context, id string) (Hit, bool, error) {
	db, release, err := ix.conn()
	if err != nil {
		return Hit{}, false, err
	}
	defer release()
	rows, err := db.QueryContext(ctx, `SELECT `+hitColumns+`
		FROM molecules m LEFT JOIN compounds c ON c.id = m.compound_id
		WHERE m.id = ?`, id)
	if err != nil {
		return Hit{}, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return Hit{}, false, rows.Err()
	}
	h, err := scanHit(rows)
	if err != nil {
		return Hit{}, false, err
	}
	return h, true, nil
}
