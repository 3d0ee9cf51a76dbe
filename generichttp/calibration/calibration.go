// Package calibration exposes a calibration table, and optionally the IQ
// chain and LO it corrects, over HTTP
package calibration

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"

	"github.jpl.nasa.gov/bdube/iqcal/caltable"
	"github.jpl.nasa.gov/bdube/iqcal/generichttp"
	"github.jpl.nasa.gov/bdube/iqcal/mathx"
	"github.jpl.nasa.gov/bdube/iqcal/server"
	"github.jpl.nasa.gov/bdube/iqcal/upconv"
)

// ErrNoHardware is returned by routes that need a chain or LO when none is attached
var ErrNoHardware = errors.New("no signal chain or LO attached to this server")

// LookupResponse is the body of GET /lookup
type LookupResponse struct {
	LO         float64                     `json:"lo"`
	IF         float64                     `json:"if"`
	Correction upconv.CorrectionParameters `json:"correction"`
	Harmonics  upconv.HarmonicSample       `json:"harmonics"`

	// Clamped is true when the request lay outside the calibrated grid and
	// the edge values were returned
	Clamped bool `json:"clamped"`
}

// Pair is an LO/IF decomposition of an output frequency
type Pair struct {
	LO float64 `json:"lo"`
	IF float64 `json:"if"`
}

// HTTPCalibration serves a calibration table
type HTTPCalibration struct {
	Table *caltable.Table

	// Chain and LO may be nil, in which case /apply and /tune fail with 503
	Chain upconv.SignalChain
	LO    upconv.Source

	// hw serializes requests that touch hardware
	hw sync.Mutex

	RouteTable generichttp.RouteTable
}

// NewHTTPCalibration builds the route table for tbl
func NewHTTPCalibration(tbl *caltable.Table, chain upconv.SignalChain, lo upconv.Source) *HTTPCalibration {
	h := &HTTPCalibration{Table: tbl, Chain: chain, LO: lo}
	h.RouteTable = generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/header"}:     h.header,
		{Method: http.MethodGet, Path: "/if-voltage"}: generichttp.GetFloat(func() (float64, error) { return tbl.Header().IFVoltage, nil }),
		{Method: http.MethodGet, Path: "/note"}:       generichttp.GetString(func() (string, error) { return tbl.Header().Note, nil }),
		{Method: http.MethodGet, Path: "/rows"}:       generichttp.GetInt(func() (int, error) { return len(tbl.Rows()), nil }),
		{Method: http.MethodGet, Path: "/axes"}:       h.axes,
		{Method: http.MethodGet, Path: "/lookup"}:     h.lookup,
		{Method: http.MethodGet, Path: "/select"}:     h.selectPair,
		{Method: http.MethodPost, Path: "/apply"}:     h.apply,
		{Method: http.MethodPost, Path: "/tune"}:      h.tune,
		{Method: http.MethodGet, Path: "/table.csv"}:  h.download,
	}
	return h
}

// RT satisfies generichttp.HTTPer
func (h *HTTPCalibration) RT() generichttp.RouteTable {
	return h.RouteTable
}

func status(err error) int {
	if errors.Is(err, caltable.ErrEmpty) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func queryFloat(r *http.Request, key string) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, errors.New("missing query parameter " + key)
	}
	return strconv.ParseFloat(v, 64)
}

func (h *HTTPCalibration) header(w http.ResponseWriter, r *http.Request) {
	server.EncodeJSON(w, h.Table.Header())
}

func (h *HTTPCalibration) axes(w http.ResponseWriter, r *http.Request) {
	lo, ifs, err := h.Table.Axes()
	if err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	server.EncodeJSON(w, struct {
		LO []float64 `json:"lo"`
		IF []float64 `json:"if"`
	}{lo, ifs})
}

func (h *HTTPCalibration) lookup(w http.ResponseWriter, r *http.Request) {
	lo, err := queryFloat(r, "lo")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ifFreq, err := queryFloat(r, "if")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c, hs, err := h.Table.Lookup(lo, ifFreq)
	if err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	los, ifs, err := h.Table.Axes()
	if err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	clamped := mathx.Clamp(lo, los[0], los[len(los)-1]) != lo ||
		mathx.Clamp(ifFreq, ifs[0], ifs[len(ifs)-1]) != ifFreq
	server.EncodeJSON(w, LookupResponse{LO: lo, IF: ifFreq, Correction: c, Harmonics: hs, Clamped: clamped})
}

func (h *HTTPCalibration) selectPair(w http.ResponseWriter, r *http.Request) {
	f, err := queryFloat(r, "f")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ifFreq, lo := h.Table.SelectLOIF(f)
	server.EncodeJSON(w, Pair{LO: lo, IF: ifFreq})
}

func (h *HTTPCalibration) apply(w http.ResponseWriter, r *http.Request) {
	var p Pair
	err := json.NewDecoder(r.Body).Decode(&p)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.Chain == nil {
		http.Error(w, ErrNoHardware.Error(), http.StatusServiceUnavailable)
		return
	}
	h.hw.Lock()
	err = h.Table.Apply(h.Chain, p.LO, p.IF)
	h.hw.Unlock()
	if err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// tune takes {"f64": target} and replies with the chosen Pair
func (h *HTTPCalibration) tune(w http.ResponseWriter, r *http.Request) {
	f := server.FloatT{}
	err := json.NewDecoder(r.Body).Decode(&f)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.Chain == nil || h.LO == nil {
		http.Error(w, ErrNoHardware.Error(), http.StatusServiceUnavailable)
		return
	}
	h.hw.Lock()
	ifFreq, lo, err := h.Table.Tune(h.Chain, h.LO, f.F64)
	h.hw.Unlock()
	if err != nil {
		http.Error(w, err.Error(), status(err))
		return
	}
	server.EncodeJSON(w, Pair{LO: lo, IF: ifFreq})
}

func (h *HTTPCalibration) download(w http.ResponseWriter, r *http.Request) {
	if p := h.Table.Path(); p != "" {
		server.ReplyWithFile(w, r, filepath.Base(p), filepath.Dir(p))
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	if _, err := h.Table.WriteTo(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
