package server

import (
	"go/types"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHumanPayload(t *testing.T) {
	cases := []struct {
		hp   HumanPayload
		want string
	}{
		{HumanPayload{T: types.Float64, Float: 1.5}, `{"f64":1.5}`},
		{HumanPayload{T: types.Bool, Bool: true}, `{"bool":true}`},
		{HumanPayload{T: types.Int, Int: 3}, `{"int":3}`},
		{HumanPayload{T: types.String, String: "x"}, `{"str":"x"}`},
	}
	for _, c := range cases {
		w := httptest.NewRecorder()
		c.hp.EncodeAndRespond(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if got := strings.TrimSpace(w.Body.String()); got != c.want {
			t.Errorf("expected %s, got %s", c.want, got)
		}
	}
}

func TestReplyWithFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "cal.csv"), []byte("LO_Power,15\n"), 0644); err != nil {
		t.Fatal(err)
	}
	w := httptest.NewRecorder()
	ReplyWithFile(w, httptest.NewRequest(http.MethodGet, "/", nil), "cal.csv", dir)
	if w.Code != http.StatusOK || w.Body.String() != "LO_Power,15\n" {
		t.Errorf("unexpected response %d %q", w.Code, w.Body.String())
	}
	w = httptest.NewRecorder()
	ReplyWithFile(w, httptest.NewRequest(http.MethodGet, "/", nil), "nope.csv", dir)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a missing file, got %d", w.Code)
	}
}
