// Package util contains misc internal utilities.
package util

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// FloatSliceToCSV converts a slice of floats to CSV formatted data using the
// shortest representation that round trips.
// e.g., []float64{1,2.5,3e9} => "1,2.5,3e+09"
func FloatSliceToCSV(fs []float64) string {
	s := make([]string, len(fs))
	for i, v := range fs {
		s[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(s, ",")
}

// ParseFloatList parses a comma separated list of floats, ignoring blanks
func ParseFloatList(s string) ([]float64, error) {
	var out []float64
	for _, piece := range strings.Split(s, ",") {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		f, err := strconv.ParseFloat(piece, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// UniqueFloat returns the distinct values of fs in increasing order
func UniqueFloat(fs []float64) []float64 {
	seen := make(map[float64]struct{}, len(fs))
	out := make([]float64, 0, len(fs))
	for _, f := range fs {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Float64s(out)
	return out
}

// GetBit returns the value of a given bit in a byte
func GetBit(b byte, bitIndex uint) bool {
	return b&(1<<bitIndex) != 0
}

// SecsToDuration converts a floating point number of seconds to a duration,
// to the nearest nanosecond
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(secs*1e9 + 0.5)
}
