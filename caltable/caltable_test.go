package caltable

import (
	"bytes"
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.jpl.nasa.gov/bdube/iqcal/upconv"
)

var (
	testLOs = []float64{8e9, 9e9, 10e9}
	testIFs = []float64{50e6, 100e6, 150e6}
)

// bilinear builds a correction that is exactly bilinear in (lo, if), so
// interpolation between grid points is exact too
func bilinear(lo, ifFreq float64) (upconv.CorrectionParameters, upconv.HarmonicSample) {
	x, y := lo/1e9, ifFreq/1e6
	c := upconv.CorrectionParameters{
		Phase:     90 + 0.5*x + 0.01*y + 0.001*x*y,
		Q:         0.9 + 0.01*x - 0.0002*y,
		A0:        0.5,
		DCOffsetI: -0.002 + 0.0001*x,
		DCOffsetQ: 0.006 - 0.00001*y,
	}
	h := upconv.HarmonicSample{-70 + x, -75 + 0.01*y, 0, -40 - x, -45 + 0.1*x*y}
	return c, h
}

func newTestTable(t *testing.T) (*Table, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cal.csv")
	tbl, err := Create(path, Header{LOPower: 15, IFVoltage: 0.5, Note: "bench 3, cables A, B"})
	if err != nil {
		t.Fatal(err)
	}
	for _, lo := range testLOs {
		for _, f := range testIFs {
			c, h := bilinear(lo, f)
			if err := tbl.AppendRow(lo, f, c, h); err != nil {
				t.Fatal(err)
			}
		}
	}
	return tbl, path
}

func near(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Abs(b))
}

func TestRoundTripExactPoints(t *testing.T) {
	_, path := newTestTable(t)
	tbl, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	h := tbl.Header()
	if h.LOPower != 15 || h.IFVoltage != 0.5 || h.Note != "bench 3, cables A, B" {
		t.Errorf("header did not round trip: %+v", h)
	}
	if n := len(tbl.Rows()); n != len(testLOs)*len(testIFs) {
		t.Errorf("expected %d rows, got %d", len(testLOs)*len(testIFs), n)
	}
	for _, lo := range testLOs {
		for _, f := range testIFs {
			wantC, wantH := bilinear(lo, f)
			c, hs, err := tbl.Lookup(lo, f)
			if err != nil {
				t.Fatal(err)
			}
			if c != wantC {
				t.Errorf("(%g, %g): expected %v, got %v", lo, f, wantC, c)
			}
			if hs != wantH {
				t.Errorf("(%g, %g): expected harmonics %v, got %v", lo, f, wantH, hs)
			}
		}
	}
}

func TestLookupBetweenPoints(t *testing.T) {
	tbl, _ := newTestTable(t)
	lo, f := 8.5e9, 125e6
	want, wantH := bilinear(lo, f)
	c, h, err := tbl.Lookup(lo, f)
	if err != nil {
		t.Fatal(err)
	}
	pairs := [][2]float64{{c.Phase, want.Phase}, {c.Q, want.Q}, {c.DCOffsetI, want.DCOffsetI}, {c.DCOffsetQ, want.DCOffsetQ}}
	for i, p := range pairs {
		if !near(p[0], p[1]) {
			t.Errorf("field %d: expected %v, got %v", i, p[1], p[0])
		}
	}
	for i := range h {
		if !near(h[i], wantH[i]) {
			t.Errorf("H%d: expected %v, got %v", upconv.HarmonicIndices[i], wantH[i], h[i])
		}
	}
}

func TestDuplicateKeyLastWriteWins(t *testing.T) {
	tbl, path := newTestTable(t)
	c, h := bilinear(9e9, 100e6)
	c.Phase = 123.25
	if err := tbl.AppendRow(9e9, 100e6, c, h); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, r := range loaded.Rows() {
		if r.LO == 9e9 && r.IF == 100e6 {
			n++
		}
	}
	if n != 2 {
		t.Errorf("expected both rows for the duplicated key, got %d", n)
	}
	for _, tb := range []*Table{tbl, loaded} {
		got, _, err := tb.Lookup(9e9, 100e6)
		if err != nil {
			t.Fatal(err)
		}
		if got.Phase != 123.25 {
			t.Errorf("expected the later row to win, got phase %v", got.Phase)
		}
	}
}

func TestCreateRefusesExistingPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cal.csv")
	orig := []byte("do not touch\n")
	if err := os.WriteFile(path, orig, 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Create(path, Header{LOPower: 15, IFVoltage: 0.5})
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected a *StorageError, got %v", err)
	}
	if !errors.Is(err, fs.ErrExist) {
		t.Errorf("expected the error to wrap fs.ErrExist, got %v", err)
	}
	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, orig) {
		t.Error("existing file was modified")
	}
}

var errDiskFull = errors.New("no space left on device")

type fullDisk struct{ *os.File }

func (f fullDisk) Write([]byte) (int, error) { return 0, errDiskFull }

func TestCreateRemovesFileOnHeaderFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cal.csv")
	orig := createExcl
	defer func() { createExcl = orig }()
	createExcl = func(p string) (syncFile, error) {
		f, err := orig(p)
		if err != nil {
			return nil, err
		}
		return fullDisk{f.(*os.File)}, nil
	}
	_, err := Create(path, Header{LOPower: 15, IFVoltage: 0.5})
	var se *StorageError
	if !errors.As(err, &se) || !errors.Is(err, errDiskFull) {
		t.Fatalf("expected a StorageError wrapping the write failure, got %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected the partial file to be removed, stat gave %v", err)
	}

	createExcl = orig
	if _, err := Create(path, Header{LOPower: 15, IFVoltage: 0.5}); err != nil {
		t.Errorf("expected a retry at the same path to succeed, got %v", err)
	}
}

func TestLoadMalformed(t *testing.T) {
	cases := []struct {
		name, body string
		line       int
	}{
		{"bad power", "LO_Power,abc\nIF_volt,0.5\nNote,\nLO_F,IF_F,q,phase,dc_i,dc_q,H-1,H0,H1,H2,H3\n", 1},
		{"missing volt", "LO_Power,15\nNote,x\nLO_F,IF_F,q,phase,dc_i,dc_q,H-1,H0,H1,H2,H3\n", 2},
		{"bad columns", "LO_Power,15\nIF_volt,0.5\nNote,\nLO_F,IF_F,phase,q,dc_i,dc_q,H-1,H0,H1,H2,H3\n", 4},
		{"truncated", "LO_Power,15\nIF_volt,0.5\n", 3},
		{"short row", "LO_Power,15\nIF_volt,0.5\nNote,\nLO_F,IF_F,q,phase,dc_i,dc_q,H-1,H0,H1,H2,H3\n1,2,3\n", 5},
	}
	for _, c := range cases {
		path := filepath.Join(t.TempDir(), "cal.csv")
		if err := os.WriteFile(path, []byte(c.body), 0644); err != nil {
			t.Fatal(err)
		}
		_, err := Load(path)
		var fe *FormatError
		if !errors.As(err, &fe) {
			t.Errorf("%s: expected a *FormatError, got %v", c.name, err)
			continue
		}
		if fe.Line != c.line {
			t.Errorf("%s: expected error on line %d, got %d", c.name, c.line, fe.Line)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.csv"))
	var se *StorageError
	if !errors.As(err, &se) || !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected a *StorageError wrapping fs.ErrNotExist, got %v", err)
	}
}

func TestLoadDropsIncompleteLO(t *testing.T) {
	tbl, path := newTestTable(t)
	c, h := bilinear(11e9, 50e6)
	if err := tbl.AppendRow(11e9, 50e6, c, h); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	los, ifs, err := loaded.Axes()
	if err != nil {
		t.Fatal(err)
	}
	if len(los) != len(testLOs) || los[len(los)-1] != 10e9 {
		t.Errorf("expected the interrupted 11 GHz row to be dropped, got LO axis %v", los)
	}
	if len(ifs) != len(testIFs) {
		t.Errorf("expected IF axis %v, got %v", testIFs, ifs)
	}
}

func TestEmptyTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cal.csv")
	if _, err := Create(path, Header{LOPower: 15, IFVoltage: 0.5}); err != nil {
		t.Fatal(err)
	}
	tbl, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := tbl.Lookup(9e9, 1e6); err != ErrEmpty {
		t.Errorf("expected ErrEmpty, got %v", err)
	}
	if f, lo := tbl.SelectLOIF(9e9); f != DefaultIF || lo != DefaultLO {
		t.Errorf("expected the default pair from an empty table, got (%g, %g)", f, lo)
	}
}

func TestAppendRejectsInvalidCorrection(t *testing.T) {
	tbl, _ := newTestTable(t)
	c, h := bilinear(8e9, 50e6)
	c.Q = -1
	err := tbl.AppendRow(8e9, 50e6, c, h)
	if !errors.Is(err, upconv.ErrNonPositiveQ) {
		t.Errorf("expected ErrNonPositiveQ, got %v", err)
	}
}

func TestWriteToParses(t *testing.T) {
	tbl, _ := newTestTable(t)
	var buf bytes.Buffer
	if _, err := tbl.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	again, err := read(&buf, "memory")
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Rows()) != len(tbl.Rows()) {
		t.Errorf("expected %d rows, got %d", len(tbl.Rows()), len(again.Rows()))
	}
}
