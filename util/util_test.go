package util_test

import (
	"fmt"
	"testing"
	"time"

	"github.jpl.nasa.gov/bdube/iqcal/util"
)

func ExampleFloatSliceToCSV() {
	fmt.Println(util.FloatSliceToCSV([]float64{1, 2.5, 3e9}))
	// Output: 1,2.5,3e+09
}

func ExampleUniqueFloat() {
	fmt.Println(util.UniqueFloat([]float64{9e9, 8e9, 9e9, 10e9, 8e9}))
	// Output: [8e+09 9e+09 1e+10]
}

func TestParseFloatList(t *testing.T) {
	out, err := util.ParseFloatList("8e9, 9e9,,1e10 ")
	if err != nil {
		t.Fatal(err)
	}
	expected := []float64{8e9, 9e9, 1e10}
	if len(out) != len(expected) {
		t.Fatalf("expected %v got %v", expected, out)
	}
	for i := range out {
		if out[i] != expected[i] {
			t.Errorf("expected %v got %v", expected[i], out[i])
		}
	}
	if _, err = util.ParseFloatList("1,two"); err == nil {
		t.Error("expected an error for a non-numeric entry")
	}
}

func TestGetBit(t *testing.T) {
	if !util.GetBit(8, 3) || util.GetBit(8, 2) || util.GetBit(7, 3) {
		t.Error("GetBit disagrees with the binary representation")
	}
}

func TestSecsToDuration(t *testing.T) {
	var dur time.Duration = 123456789
	secs := dur.Seconds()
	out := util.SecsToDuration(secs)
	if out != dur {
		t.Errorf("expected SecsToDuration to round trip, output %v != expected %v", out, dur)
	}
}
