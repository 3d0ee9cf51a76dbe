/*Package heatmap exports the power grids swept by optimizer.GridSearch as
PNG heat maps or FITS images.
*/
package heatmap

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/astrogo/fitsio"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.jpl.nasa.gov/bdube/iqcal/optimizer"
)

const (
	// number of palette colors
	shades = 255

	size = 12 * vg.Centimeter
)

// ErrNoGrid is returned when a stage carries no power grid, e.g. because it
// was skipped or run by GradientDescent
var ErrNoGrid = errors.New("stage has no power grid")

// gridXYZ adapts an optimizer.Grid to plotter.GridXYZ.  Cells that were never
// measured (+Inf) are reported as NaN so they drop out of the color scale.
type gridXYZ struct {
	*optimizer.Grid
}

func (g gridXYZ) Dims() (c, r int) {
	return len(g.Grid.X), len(g.Grid.Y)
}

func (g gridXYZ) Z(c, r int) float64 {
	v := g.Power.At(c, r)
	if math.IsInf(v, 0) {
		return math.NaN()
	}
	return v
}

func (g gridXYZ) X(c int) float64 {
	return g.Grid.X[c]
}

func (g gridXYZ) Y(r int) float64 {
	return g.Grid.Y[r]
}

func check(g *optimizer.Grid) error {
	if g == nil || g.Power == nil {
		return ErrNoGrid
	}
	r, c := g.Power.Dims()
	if r != len(g.X) || c != len(g.Y) {
		return fmt.Errorf("power grid is %dx%d but axes are %dx%d", r, c, len(g.X), len(g.Y))
	}
	return nil
}

// Plot builds a heat map of g titled title
func Plot(g *optimizer.Grid, title string) (*plot.Plot, error) {
	if err := check(g); err != nil {
		return nil, err
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = g.XLabel
	p.Y.Label.Text = g.YLabel
	hm := plotter.NewHeatMap(gridXYZ{g}, palette.Heat(shades, 1))
	hm.NaN = color.Transparent
	p.Add(hm)
	return p, nil
}

// WritePNG renders the heat map of g as a PNG to w
func WritePNG(w io.Writer, g *optimizer.Grid, title string) error {
	p, err := Plot(g, title)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(size, size, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// WriteFITS writes g as a 64-bit float image; NAXIS1 runs along Y and NAXIS2
// along X, with linear WCS cards describing both axes
func WriteFITS(w io.Writer, g *optimizer.Grid, metadata ...fitsio.Card) error {
	if err := check(g); err != nil {
		return err
	}
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	nx, ny := len(g.X), len(g.Y)
	im := fitsio.NewImage(-64, []int{ny, nx})
	defer im.Close()

	metadata = append(metadata, axisCards(1, g.YLabel, g.Y)...)
	metadata = append(metadata, axisCards(2, g.XLabel, g.X)...)
	metadata = append(metadata, fitsio.Card{Name: "BUNIT", Value: "dBm"})
	if err = im.Header().Append(metadata...); err != nil {
		return err
	}
	data := make([]float64, nx*ny)
	for i := 0; i < nx; i++ {
		for j := 0; j < ny; j++ {
			data[i*ny+j] = g.Power.At(i, j)
		}
	}
	if err = im.Write(data); err != nil {
		return err
	}
	return fits.Write(im)
}

func axisCards(n int, label string, axis []float64) []fitsio.Card {
	step := 0.
	if len(axis) > 1 {
		step = axis[1] - axis[0]
	}
	return []fitsio.Card{
		{Name: fmt.Sprintf("CTYPE%d", n), Value: label},
		{Name: fmt.Sprintf("CRPIX%d", n), Value: 1.0},
		{Name: fmt.Sprintf("CRVAL%d", n), Value: axis[0]},
		{Name: fmt.Sprintf("CDELT%d", n), Value: step},
	}
}

// SaveStages writes one file per stage of res that swept a grid, named
// <stem>_sideband.<ext> and <stem>_carrier.<ext>, where ext is "png" or
// "fits".  The paths written are returned.
func SaveStages(dir, stem, ext string, res optimizer.Result) ([]string, error) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext != "png" && ext != "fits" {
		return nil, fmt.Errorf("unsupported heat map format %q, must be png or fits", ext)
	}
	var written []string
	stages := []struct {
		suffix string
		st     optimizer.StageResult
	}{{"sideband", res.Sideband}, {"carrier", res.Carrier}}
	for _, s := range stages {
		if s.st.Grid == nil {
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.%s", stem, s.suffix, ext))
		if err := saveOne(path, ext, s.st); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

func saveOne(path, ext string, st optimizer.StageResult) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if e := f.Close(); err == nil {
			err = e
		}
	}()
	title := fmt.Sprintf("%s, %.2f dBm", st.Name, st.BestPower)
	if ext == "png" {
		return WritePNG(f, st.Grid, title)
	}
	return WriteFITS(f, st.Grid, fitsio.Card{Name: "OBJECT", Value: st.Name})
}
