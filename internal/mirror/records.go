package mirror

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hupe1980/ece/internal/hash"
)

// FormatVersion is the sidecar format version.
const FormatVersion = 1

const (
	kindHeader   = "header"
	kindMolecule = "molecule"
	kindSeal     = "seal"
)

// Header describes a mirrored compound.
type Header struct {
	Version     int       `json:"version"`
	CompoundID  string    `json:"compound_id"`
	Bucket      string    `json:"bucket"`
	Path        string    `json:"path,omitempty"`
	Provenance  string    `json:"provenance,omitempty"`
	ContentType string    `json:"content_type"`
	IngestedAt  time.Time `json:"ingested_at"`
	Size        int64     `json:"size"`
	ContentCRC  uint32    `json:"content_crc"`
}

// Atom is the definition of an atom as recorded with a molecule.
type Atom struct {
	ID     string  `json:"id"`
	Label  string  `json:"label"`
	Type   string  `json:"type"`
	Weight float64 `json:"weight"`
}

// Molecule is a committed molecule. Text is never stored; Start and End are
// offsets into the compound's content file.
type Molecule struct {
	ID          string    `json:"id"`
	Ordinal     int       `json:"ordinal"`
	Start       int64     `json:"start"`
	End         int64     `json:"end"`
	Fingerprint uint64    `json:"fingerprint"`
	Timestamp   time.Time `json:"ts"`
	Atoms       []Atom    `json:"atoms,omitempty"`
}

// Seal marks a completed ingest.
type Seal struct {
	Molecules  int       `json:"molecules"`
	Duplicates int       `json:"duplicates"`
	SealedAt   time.Time `json:"sealed_at"`
}

type record struct {
	Kind     string    `json:"kind"`
	Header   *Header   `json:"header,omitempty"`
	Molecule *Molecule `json:"molecule,omitempty"`
	Seal     *Seal     `json:"seal,omitempty"`
}

func encodeRecord(buf *bytes.Buffer, r record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	buf.WriteString(hash.Frame(payload))
	buf.WriteByte(' ')
	buf.Write(payload)
	buf.WriteByte('\n')
	return nil
}

// Sidecar is the replayed content of a .meta file.
type Sidecar struct {
	Header    Header
	Molecules []Molecule
	Seal      *Seal
	// Torn is set when replay stopped at a damaged or incomplete line.
	Torn bool
}

// Sealed reports whether the ingest completed.
func (s *Sidecar) Sealed() bool { return s.Seal != nil }

func decodeSidecar(r io.Reader) (*Sidecar, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	var (
		out       Sidecar
		hasHeader bool
	)
	for sc.Scan() {
		line := sc.Bytes()
		rec, ok := decodeLine(line)
		if !ok {
			out.Torn = true
			break
		}
		switch rec.Kind {
		case kindHeader:
			if hasHeader || rec.Header == nil {
				return nil, fmt.Errorf("%w: duplicate or empty header", ErrBadSidecar)
			}
			out.Header, hasHeader = *rec.Header, true
		case kindMolecule:
			if !hasHeader || rec.Molecule == nil {
				return nil, fmt.Errorf("%w: molecule before header", ErrBadSidecar)
			}
			out.Molecules = append(out.Molecules, *rec.Molecule)
		case kindSeal:
			if !hasHeader || rec.Seal == nil {
				return nil, fmt.Errorf("%w: seal before header", ErrBadSidecar)
			}
			out.Seal = rec.Seal
		default:
			out.Torn = true
		}
		if out.Torn {
			break
		}
	}
	if err := sc.Err(); err != nil {
		if err == bufio.ErrTooLong {
			out.Torn = true
		} else {
			return nil, err
		}
	}
	if !hasHeader {
		return nil, fmt.Errorf("%w: missing header", ErrBadSidecar)
	}
	if out.Header.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadSidecar, out.Header.Version)
	}
	return &out, nil
}

func decodeLine(line []byte) (record, bool) {
	var rec record
	if len(line) < 10 || line[8] != ' ' {
		return rec, false
	}
	payload := line[9:]
	if !hash.VerifyFrame(string(line[:8]), payload) {
		return rec, false
	}
	if err := json.Unmarshal(payload, &rec); err != nil {
		return rec, false
	}
	return rec, true
}
