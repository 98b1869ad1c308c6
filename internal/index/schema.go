package index

// SchemaVersion is bumped whenever the DDL changes. A mismatch forces a
// rebuild.
const SchemaVersion = "1"

const (
	metaSchemaVersion = "schema_version"
	metaGeneration    = "generation"
)

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS compounds (
		id           TEXT PRIMARY KEY,
		bucket       TEXT NOT NULL,
		path         TEXT NOT NULL DEFAULT '',
		provenance   TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL,
		ingested_at  INTEGER NOT NULL,
		size         INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_compounds_bucket ON compounds(bucket)`,
	`CREATE TABLE IF NOT EXISTS molecules (
		pk          INTEGER PRIMARY KEY,
		id          TEXT NOT NULL UNIQUE,
		compound_id TEXT NOT NULL,
		bucket      TEXT NOT NULL,
		ordinal     INTEGER NOT NULL,
		start_off   INTEGER NOT NULL,
		end_off     INTEGER NOT NULL,
		fingerprint INTEGER NOT NULL,
		band0       INTEGER NOT NULL,
		band1       INTEGER NOT NULL,
		band2       INTEGER NOT NULL,
		band3       INTEGER NOT NULL,
		ts          INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_molecules_band0 ON molecules(bucket, band0)`,
	`CREATE INDEX IF NOT EXISTS idx_molecules_band1 ON molecules(bucket, band1)`,
	`CREATE INDEX IF NOT EXISTS idx_molecules_band2 ON molecules(bucket, band2)`,
	`CREATE INDEX IF NOT EXISTS idx_molecules_band3 ON molecules(bucket, band3)`,
	`CREATE INDEX IF NOT EXISTS idx_molecules_compound ON molecules(compound_id, ordinal)`,
	`CREATE INDEX IF NOT EXISTS idx_molecules_ts ON molecules(ts)`,
	`CREATE TABLE IF NOT EXISTS atoms (
		pk     INTEGER PRIMARY KEY,
		id     TEXT NOT NULL UNIQUE,
		label  TEXT NOT NULL,
		type   TEXT NOT NULL,
		weight REAL NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS molecule_atoms (
		molecule_pk INTEGER NOT NULL,
		atom_pk     INTEGER NOT NULL,
		PRIMARY KEY (molecule_pk, atom_pk)
	) WITHOUT ROWID`,
	`CREATE INDEX IF NOT EXISTS idx_molecule_atoms_atom ON molecule_atoms(atom_pk, molecule_pk)`,
	// Atom ids are indexed, not labels, so matching does not depend on
	// which surface form was seen first.
	`CREATE VIRTUAL TABLE IF NOT EXISTS atoms_fts USING fts5(
		id, content='atoms', content_rowid='pk'
	)`,
	`CREATE TRIGGER IF NOT EXISTS atoms_ai AFTER INSERT ON atoms BEGIN
		INSERT INTO atoms_fts(rowid, id) VALUES (new.pk, new.id);
	END`,
	`CREATE TRIGGER IF NOT EXISTS atoms_ad AFTER DELETE ON atoms BEGIN
		INSERT INTO atoms_fts(atoms_fts, rowid, id) VALUES ('delete', old.pk, old.id);
	END`,
	`CREATE TRIGGER IF NOT EXISTS atoms_au AFTER UPDATE OF id ON atoms BEGIN
		INSERT INTO atoms_fts(atoms_fts, rowid, id) VALUES ('delete', old.pk, old.id);
		INSERT INTO atoms_fts(rowid, id) VALUES (new.pk, new.id);
	END`,
}
