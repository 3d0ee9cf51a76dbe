/*Package caltable persists IQ correction parameters measured over a grid of
(LO, IF) frequencies and interpolates them at run time.

The on-disk format is a small CSV:

	LO_Power,<dBm>
	IF_volt,<V>
	Note,<free text>
	LO_F,IF_F,q,phase,dc_i,dc_q,H-1,H0,H1,H2,H3
	<row>
	...

Rows are appended and synced one at a time so an interrupted sweep keeps every
completed point.  The file is never overwritten; Create refuses to open an
existing path.
*/
package caltable

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"sync"

	"github.jpl.nasa.gov/bdube/iqcal/upconv"
)

const (
	keyLOPower = "LO_Power"
	keyIFVolt  = "IF_volt"
	keyNote    = "Note"
	headerRows = 4
)

// Columns is the column line of a calibration file
var Columns = []string{"LO_F", "IF_F", "q", "phase", "dc_i", "dc_q", "H-1", "H0", "H1", "H2", "H3"}

var (
	// ErrEmpty is returned by lookups on a table with no rows
	ErrEmpty = errors.New("calibration table has no rows")

	errNoFile = errors.New("table has no backing file")
)

// StorageError wraps an I/O failure on the table file.  Creating a table at
// an existing path yields a StorageError wrapping fs.ErrExist.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("caltable: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// FormatError describes a malformed calibration file
type FormatError struct {
	Path string
	Line int
	Msg  string
}

func (e *FormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("caltable: %s:%d: %s", e.Path, e.Line, e.Msg)
	}
	return fmt.Sprintf("caltable: %s: %s", e.Path, e.Msg)
}

// Header is the metadata fixed for a whole calibration run
type Header struct {
	// LOPower is the LO source power, in dBm
	LOPower float64 `json:"loPower" yaml:"LOPower"`

	// IFVoltage is the mean branch amplitude a0 used during calibration, in V
	IFVoltage float64 `json:"ifVoltage" yaml:"IFVoltage"`

	Note string `json:"note" yaml:"Note"`
}

// Row is one calibrated (LO, IF) point
type Row struct {
	LO         float64                     `json:"lo"`
	IF         float64                     `json:"if"`
	Correction upconv.CorrectionParameters `json:"correction"`
	Harmonics  upconv.HarmonicSample       `json:"harmonics"`
}

func (r Row) record() []string {
	c := r.Correction
	vals := []float64{r.LO, r.IF, c.Q, c.Phase, c.DCOffsetI, c.DCOffsetQ}
	vals = append(vals, r.Harmonics[:]...)
	rec := make([]string, len(vals))
	for i, v := range vals {
		rec[i] = formatFloat(v)
	}
	return rec
}

// Table is a calibration table.  Lookups are safe for concurrent use;
// AppendRow must not be called concurrently with itself.
type Table struct {
	path   string
	header Header
	rows   []Row

	mu   sync.Mutex
	grid *grid
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// syncFile is the part of *os.File Create writes through
type syncFile interface {
	io.Writer
	Sync() error
	Close() error
}

var createExcl = func(path string) (syncFile, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
}

// Create makes a new calibration file at path and writes its header.  It
// fails with a *StorageError if path already exists, leaving it untouched.
// A file whose header could not be written is removed.
func Create(path string, h Header) (*Table, error) {
	f, err := createExcl(path)
	if err != nil {
		return nil, &StorageError{Op: "create", Path: path, Err: err}
	}
	w := csv.NewWriter(f)
	recs := [][]string{
		{keyLOPower, formatFloat(h.LOPower)},
		{keyIFVolt, formatFloat(h.IFVoltage)},
		{keyNote, h.Note},
		Columns,
	}
	if err = w.WriteAll(recs); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, &StorageError{Op: "write header", Path: path, Err: err}
	}
	return &Table{path: path, header: h}, nil
}

// FromRows builds an in-memory table with no backing file
func FromRows(h Header, rows []Row) (*Table, error) {
	t := &Table{header: h, rows: append([]Row(nil), rows...)}
	if len(rows) == 0 {
		return t, nil
	}
	if _, err := t.getGrid(); err != nil {
		return nil, err
	}
	return t, nil
}

// AppendRow writes one calibrated point to the end of the file and syncs it
// before returning
func (t *Table) AppendRow(lo, ifFreq float64, c upconv.CorrectionParameters, h upconv.HarmonicSample) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("row at LO %g, IF %g: %w", lo, ifFreq, err)
	}
	if t.path == "" {
		return &StorageError{Op: "append", Err: errNoFile}
	}
	row := Row{LO: lo, IF: ifFreq, Correction: c, Harmonics: h}
	f, err := os.OpenFile(t.path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return &StorageError{Op: "append", Path: t.path, Err: err}
	}
	w := csv.NewWriter(f)
	err = w.Write(row.record())
	if err == nil {
		w.Flush()
		err = w.Error()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &StorageError{Op: "append", Path: t.path, Err: err}
	}
	t.mu.Lock()
	t.rows = append(t.rows, row)
	t.grid = nil
	t.mu.Unlock()
	return nil
}

// Load reads a calibration file.  A missing or malformed header, a bad column
// line or an unparsable row is a *FormatError.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &StorageError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()
	t, err := read(f, path)
	if err != nil {
		return nil, err
	}
	t.path = path
	return t, nil
}

// read parses a calibration file from r; path is only used in errors
func read(r io.Reader, path string) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	t := &Table{}
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			if line <= headerRows {
				return nil, &FormatError{Path: path, Line: line, Msg: "file ends inside the header"}
			}
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return nil, &FormatError{Path: path, Line: pe.Line, Msg: pe.Err.Error()}
			}
			return nil, &StorageError{Op: "read", Path: path, Err: err}
		}
		if err = t.parseLine(line, rec); err != nil {
			return nil, &FormatError{Path: path, Line: line, Msg: err.Error()}
		}
	}
	if len(t.rows) > 0 {
		if _, err := t.getGrid(); err != nil {
			return nil, &FormatError{Path: path, Msg: err.Error()}
		}
	}
	return t, nil
}

func (t *Table) parseLine(line int, rec []string) error {
	switch line {
	case 1:
		v, err := keyedFloat(rec, keyLOPower)
		t.header.LOPower = v
		return err
	case 2:
		v, err := keyedFloat(rec, keyIFVolt)
		t.header.IFVoltage = v
		return err
	case 3:
		if len(rec) < 1 || rec[0] != keyNote {
			return fmt.Errorf("expected %q line", keyNote)
		}
		if len(rec) > 1 {
			t.header.Note = rec[1]
		}
		return nil
	case 4:
		if len(rec) != len(Columns) {
			return fmt.Errorf("expected %d columns, got %d", len(Columns), len(rec))
		}
		for i := range Columns {
			if rec[i] != Columns[i] {
				return fmt.Errorf("column %d is %q, expected %q", i+1, rec[i], Columns[i])
			}
		}
		return nil
	}
	if len(rec) != len(Columns) {
		return fmt.Errorf("expected %d fields, got %d", len(Columns), len(rec))
	}
	var vals [11]float64
	for i, s := range rec {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("column %s: %w", Columns[i], err)
		}
		vals[i] = v
	}
	row := Row{
		LO: vals[0],
		IF: vals[1],
		Correction: upconv.CorrectionParameters{
			Q:         vals[2],
			Phase:     vals[3],
			DCOffsetI: vals[4],
			DCOffsetQ: vals[5],
			A0:        t.header.IFVoltage,
		},
	}
	copy(row.Harmonics[:], vals[6:])
	t.rows = append(t.rows, row)
	return nil
}

func keyedFloat(rec []string, key string) (float64, error) {
	if len(rec) != 2 || rec[0] != key {
		return 0, fmt.Errorf("expected \"%s,<number>\"", key)
	}
	v, err := strconv.ParseFloat(rec[1], 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

// Path is the backing file, empty for tables built with FromRows
func (t *Table) Path() string {
	return t.path
}

// Header returns the table metadata
func (t *Table) Header() Header {
	return t.header
}

// Rows returns a copy of every row in file order, duplicates included
func (t *Table) Rows() []Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Row(nil), t.rows...)
}

// Axes returns the sorted LO and IF values of the interpolation grid
func (t *Table) Axes() (lo, ifs []float64, err error) {
	g, err := t.getGrid()
	if err != nil {
		return nil, nil, err
	}
	return append([]float64(nil), g.lo...), append([]float64(nil), g.ifs...), nil
}

// WriteTo streams the table in its file format to w
func (t *Table) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	csvw := csv.NewWriter(cw)
	h := t.header
	recs := [][]string{
		{keyLOPower, formatFloat(h.LOPower)},
		{keyIFVolt, formatFloat(h.IFVoltage)},
		{keyNote, h.Note},
		Columns,
	}
	for _, r := range t.Rows() {
		recs = append(recs, r.record())
	}
	err := csvw.WriteAll(recs)
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func logDropped(dropped []float64, nIF int) {
	for _, lo := range dropped {
		log.Printf("caltable: dropping incomplete LO row %g Hz (fewer than %d IF points)", lo, nIF)
	}
}
