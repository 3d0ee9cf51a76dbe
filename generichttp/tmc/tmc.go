// Package tmc provides an HTTP interface to test and measurement devices
package tmc

import (
	"encoding/json"
	"go/types"
	"net/http"

	"github.jpl.nasa.gov/bdube/iqcal/generichttp"
	"github.jpl.nasa.gov/bdube/iqcal/server"
)

// Synthesizer describes a CW source such as the LO of the up-converter
type Synthesizer interface {
	// SetFrequency sets the output frequency in Hz
	SetFrequency(float64) error
	// GetFrequency returns the output frequency in Hz
	GetFrequency() (float64, error)
	// SetPower sets the output power in dBm
	SetPower(float64) error
	// GetPower returns the output power in dBm
	GetPower() (float64, error)
	// OutputOn enables the RF output
	OutputOn() error
	// OutputOff disables the RF output
	OutputOff() error
	// GetOutput queries if the RF output is active
	GetOutput() (bool, error)
}

// RawCommunicator sends a raw command and returns the reply, if any
type RawCommunicator interface {
	Raw(string) (string, error)
}

// HTTPSynthesizer wraps a Synthesizer in an HTTP route table
type HTTPSynthesizer struct {
	Synth Synthesizer

	RouteTable generichttp.RouteTable
}

// NewHTTPSynthesizer returns a route table exposing the synthesizer
func NewHTTPSynthesizer(s Synthesizer) HTTPSynthesizer {
	rt := generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/frequency"}:  generichttp.GetFloat(s.GetFrequency),
		{Method: http.MethodPost, Path: "/frequency"}: generichttp.SetFloat(s.SetFrequency),
		{Method: http.MethodGet, Path: "/power"}:      generichttp.GetFloat(s.GetPower),
		{Method: http.MethodPost, Path: "/power"}:     generichttp.SetFloat(s.SetPower),
		{Method: http.MethodGet, Path: "/output"}:     generichttp.GetBool(s.GetOutput),
		{Method: http.MethodPost, Path: "/output"}:    SetOutput(s),
	}
	if rc, ok := s.(RawCommunicator); ok {
		InjectRawComm(rt, rc)
	}
	return HTTPSynthesizer{Synth: s, RouteTable: rt}
}

// RT satisfies generichttp.HTTPer
func (h HTTPSynthesizer) RT() generichttp.RouteTable {
	return h.RouteTable
}

// SetOutput exposes an HTTP interface to the output control methods
func SetOutput(s Synthesizer) http.HandlerFunc {
	return generichttp.SetBool(func(on bool) error {
		if on {
			return s.OutputOn()
		}
		return s.OutputOff()
	})
}

// InjectRawComm adds a POST /raw route which sends {"str": cmd} and replies
// with {"str": response}
func InjectRawComm(rt generichttp.RouteTable, rc RawCommunicator) {
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/raw"}] = func(w http.ResponseWriter, r *http.Request) {
		s := server.StrT{}
		err := json.NewDecoder(r.Body).Decode(&s)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := rc.Raw(s.Str)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := server.HumanPayload{T: types.String, String: resp}
		hp.EncodeAndRespond(w, r)
	}
}
