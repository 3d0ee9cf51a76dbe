// Package server contains misc server utilities.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"log"
	"net/http"
	"os"
	"path/filepath"
)

// FloatT is a struct with a single float64 field, F64 (JSON "f64")
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single int field, Int (JSON "int")
type IntT struct {
	Int int `json:"int"`
}

// BoolT is a struct with a single bool field, Bool (JSON "bool")
type BoolT struct {
	Bool bool `json:"bool"`
}

// StrT is a struct with a single string field, Str (JSON "str")
type StrT struct {
	Str string `json:"str"`
}

// HumanPayload is a struct which holds one of several primitive types and
// encodes as the matching single-field JSON object
type HumanPayload struct {
	T      types.BasicKind
	Float  float64
	Int    int
	Bool   bool
	String string
}

// EncodeAndRespond encodes the payload to JSON and writes it to w
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var v interface{}
	switch hp.T {
	case types.Float64:
		v = FloatT{hp.Float}
	case types.Int:
		v = IntT{hp.Int}
	case types.Bool:
		v = BoolT{hp.Bool}
	case types.String:
		v = StrT{hp.String}
	default:
		http.Error(w, fmt.Sprintf("unsupported payload kind %v", hp.T), http.StatusInternalServerError)
		return
	}
	EncodeJSON(w, v)
}

// EncodeJSON writes v as the JSON body of a 200 response
func EncodeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Println("error encoding response to json:", err)
	}
}

// ReplyWithFile replies to the client request by serving the given file name
func ReplyWithFile(w http.ResponseWriter, r *http.Request, fn string, fldr string) {
	filePath, err := filepath.Abs(filepath.Join(fldr, fn))
	if err != nil {
		fstr := fmt.Sprintf("unable to compute abspath of file %s %s %s", fldr, fn, err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
		return
	}

	f, err := os.Open(filePath)
	if err != nil {
		fstr := fmt.Sprintf("source file missing %s", filePath)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusNotFound)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		fstr := fmt.Sprintf("error retrieving source file stats %s", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusNotFound)
		return
	}
	http.ServeContent(w, r, fn, stat.ModTime(), f)
}
