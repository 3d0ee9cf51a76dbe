package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.jpl.nasa.gov/bdube/iqcal/caltable"
	"github.jpl.nasa.gov/bdube/iqcal/generichttp"
	"github.jpl.nasa.gov/bdube/iqcal/generichttp/calibration"
	"github.jpl.nasa.gov/bdube/iqcal/generichttp/tmc"
	"github.jpl.nasa.gov/bdube/iqcal/server/middleware/locker"
)

// node is one device or table mounted on the server
type node struct {
	endpoint string
	httper   generichttp.HTTPer
}

// BuildMux mounts the calibration table at /cal and, when the bench has a
// real LO, the synthesizer at /lo.  bench may be nil to serve the table alone.
func BuildMux(tbl *caltable.Table, bench *Bench) chi.Router {
	// make the root handler
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}

	var nodes []node
	if bench == nil {
		nodes = append(nodes, node{"cal", calibration.NewHTTPCalibration(tbl, nil, nil)})
	} else {
		nodes = append(nodes, node{"cal", calibration.NewHTTPCalibration(tbl, bench.Chain, bench.LO)})
		if bench.Synth != nil {
			nodes = append(nodes, node{"lo", tmc.NewHTTPSynthesizer(bench.Synth)})
		}
	}

	for _, n := range nodes {
		// prepare the URL, "cal/" => "/cal"
		hndlS := generichttp.SubMuxSanitize(n.endpoint)

		// add the endpoints to the graph
		supergraph[hndlS] = n.httper.RT().Endpoints()

		// reads stay available while a client holds the lock
		lock := locker.New()
		lock.ProtectOnly = []string{http.MethodPost}
		locker.Inject(n.httper, lock)

		// bind to the mux
		r := chi.NewRouter()
		r.Use(lock.Check)
		n.httper.RT().Bind(r)
		root.Mount(hndlS, r)
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root
}
