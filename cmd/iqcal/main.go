package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"

	"github.jpl.nasa.gov/bdube/iqcal/caltable"
	"github.jpl.nasa.gov/bdube/iqcal/optimizer"
	"github.jpl.nasa.gov/bdube/iqcal/sweep"
	"github.jpl.nasa.gov/bdube/iqcal/upconv"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "iqcal.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(defaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func loadconf() Config {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `iqcal calibrates an IQ up-converter (two AWG channels driving an IQ mixer
against a microwave LO) and applies the calibration.

Usage:
	iqcal <command> [args]

Commands:
	run                     sweep the configured LO/IF grid and write the table
	serve                   serve the table (and the bench, if configured) over HTTP
	lookup <lo> <if>        print the interpolated correction at (lo, if)
	select <f>              print the LO/IF split chosen for output frequency f
	tune <f>                select, move the LO, and apply the correction for f
	dualtone <lo> <if> <if> optimize two tones sharing one LO
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `iqcal is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Run "iqcal mkconf" to write the defaults to iqcal.yml and edit from there.
Frequencies are in Hz, powers in dBm, voltages in V and times in seconds.

The bench is an Agilent/Keysight E4405B spectrum analyzer ("Analyzer"), a Hittite
HMC-T2220 synthesizer as the LO ("LO") and one or more Keysight 33500B
waveform generators ("AWG"), channel 1 driving I and channel 2 driving Q.  Give
two AWGs to calibrate two tones with the dualtone command.  Each instrument
takes Addr and Serial; the AWGs may instead use USBProductID for USB-TMC.
RateLimit caps the commands per second sent to an instrument.

Set Mock to true to run every command against a simulated bench.

Optimizer.Method is "grid" (default) or "descent".

Table is the calibration file.  run refuses to overwrite it.  The other
commands read it.

serve mounts the table at /cal and the LO at /lo; GET /endpoints lists every
route.  POST routes may be locked by a client with POST /cal/lock {"bool": true}.`
	fmt.Println(str)
}

func mkconf() {
	c := loadconf()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconf()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("iqcal version %v\n", Version)
}

func hz(f float64) string {
	return humanize.SIWithDigits(f, 6, "Hz")
}

// floatArgs parses os.Args[2:] into exactly n floats
func floatArgs(n int) []float64 {
	args := os.Args[2:]
	if len(args) != n {
		log.Fatalf("%s takes %d arguments, got %d", os.Args[1], n, len(args))
	}
	out := make([]float64, n)
	for i, a := range args {
		f, err := strconv.ParseFloat(a, 64)
		if err != nil {
			log.Fatalf("argument %d: %v", i+1, err)
		}
		out[i] = f
	}
	return out
}

func mustBench(c Config) Bench {
	b, err := buildBench(c)
	if err != nil {
		log.Fatal(err)
	}
	return b
}

func mustTable(c Config) *caltable.Table {
	tbl, err := caltable.Load(c.Table)
	if err != nil {
		log.Fatal(err)
	}
	return tbl
}

func newSpinner(msg string) *yacspin.Spinner {
	s, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " calibrating",
		SuffixAutoColon:   true,
		Message:           msg,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	return s
}

func run() {
	c := loadconf()
	bench := mustBench(c)
	opt, err := buildOptimizer(c, bench.Hardware)
	if err != nil {
		log.Fatal(err)
	}
	s := &sweep.Sweep{Hardware: bench.Hardware, Optimizer: opt, Plan: c.Sweep.plan()}
	spin := newSpinner(fmt.Sprintf("%d points", len(c.Sweep.LO)*len(c.Sweep.IF)))
	s.OnPoint = func(p sweep.Progress) {
		spin.Message(fmt.Sprintf("%d/%d LO %s IF %s image %.1f dBc, %s elapsed",
			p.Index, p.Total, hz(p.LO), hz(p.IF), p.Harmonics.At(-1)-p.Harmonics.Desired(),
			p.Elapsed.Round(time.Second)))
		for _, w := range p.Result.Warnings {
			log.Println(w)
		}
	}
	if err = spin.Start(); err != nil {
		log.Fatal(err)
	}
	tbl, err := s.Run(c.Table)
	if err != nil {
		spin.StopFailMessage(err.Error())
		spin.StopFail()
		if tbl != nil {
			log.Printf("%d points were written to %s before the failure", len(tbl.Rows()), c.Table)
		}
		os.Exit(1)
	}
	spin.StopMessage(fmt.Sprintf("%d points written to %s", len(tbl.Rows()), c.Table))
	spin.Stop()
}

func serve() {
	c := loadconf()
	tbl := mustTable(c)
	var bench *Bench
	if b, err := buildBench(c); err != nil {
		log.Printf("serving the table without hardware: %v", err)
	} else {
		bench = &b
	}
	mux := BuildMux(tbl, bench)
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

func lookup() {
	c := loadconf()
	args := floatArgs(2)
	tbl := mustTable(c)
	corr, h, err := tbl.Lookup(args[0], args[1])
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("LO %s IF %s\n", hz(args[0]), hz(args[1]))
	fmt.Printf("phase %.4f deg  q %.5f  a0 %g V  dc_i %.5f V  dc_q %.5f V\n",
		corr.Phase, corr.Q, corr.A0, corr.DCOffsetI, corr.DCOffsetQ)
	for i, k := range upconv.HarmonicIndices {
		fmt.Printf("H%d %.2f dBm\n", k, h[i])
	}
}

func selectLOIF() {
	c := loadconf()
	args := floatArgs(1)
	tbl := mustTable(c)
	ifFreq, lo := tbl.SelectLOIF(args[0])
	fmt.Printf("LO %s IF %s\n", hz(lo), hz(ifFreq))
}

func tune() {
	c := loadconf()
	args := floatArgs(1)
	tbl := mustTable(c)
	bench := mustBench(c)
	ifFreq, lo, err := tbl.Tune(bench.Chain, bench.LO, args[0])
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s tuned as LO %s + IF %s\n", hz(args[0]), hz(lo), hz(ifFreq))
}

func dualtone() {
	c := loadconf()
	args := floatArgs(3)
	bench := mustBench(c)
	dt := optimizer.NewDualTone(bench.Hardware)
	dt.Config = c.Optimizer.Descent.config()
	seed := sweep.DefaultSeed
	seed.A0 = c.Sweep.IFVoltage
	res, err := dt.Optimize(args[0], [2]float64{args[1], args[2]}, [2]upconv.CorrectionParameters{seed, seed})
	if err != nil {
		log.Fatal(err)
	}
	for _, w := range res.Warnings {
		log.Println(w)
	}
	for t, p := range res.Params {
		fmt.Printf("tone %d IF %s: phase %.4f deg  q %.5f  dc_i %.5f V  dc_q %.5f V\n",
			t, hz(args[t+1]), p.Phase, p.Q, p.DCOffsetI, p.DCOffsetQ)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "serve":
		serve()
	case "lookup":
		lookup()
	case "select":
		selectLOIF()
	case "tune":
		tune()
	case "dualtone":
		dualtone()
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
