// bench.go runs a BB84 session for each entry in the cartesian product of a
// collection of channel parameters, e.g. photon count and eavesdropping rate,
// optionally repeated over several seeds, and outputs a CSV of the resulting
// sifted key statistics for each combination. Single-valued sweeps over noise,
// loss and distance reproduce the qber-vs-noise, key-rate-vs-loss and
// key-rate-vs-distance series.
package main

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"strings"
	"text/template"

	"github.com/qkdlab/bb84sim/bb84"
	"github.com/qkdlab/bb84sim/bb84/photon"
	"github.com/qkdlab/bb84sim/internal/logging"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"gonum.org/v1/gonum/stat"
)

var (
	photons  = flag.IntSlice("photons", []int{1000}, "The number of photons Alice sends per run.")
	eve      = flag.Float64Slice("eve", []float64{0}, "The percentages of photons Eve intercepts; 0 disables Eve.")
	noise    = flag.Float64Slice("noise", []float64{0}, "The channel noise percentages to apply to delivered photons.")
	loss     = flag.Float64Slice("loss", []float64{0}, "The photon loss percentages of the channel.")
	distance = flag.Float64Slice("distance", []float64{0}, "The channel lengths in km. Non-zero lengths replace noise and loss unless --model=direct.")
	model    = flag.String("model", "auto", "The channel model: auto, direct or distance.")
	trials   = flag.Int("trials", 1, "The number of runs, with consecutive seeds, per parameterization.")
	seed     = flag.Int64("seed", 1, "The seed of the first trial.")
	logLevel = flag.String("log-level", "warn", "The minimum level of log messages.")
)

var (
	inputs  = []string{"photons", "eve", "noise", "loss", "distance"}
	columns = []string{"Photons", "Eve", "Noise", "Loss", "Distance", "Trials",
		"LostMean", "SiftedMean", "SiftedStdDev", "KeyRate", "QBERMean", "QBERStdDev",
		"Security"}
)

// An Experiment packages together the result of benchmarking a single
// parameterization for easy formatting.
type Experiment struct {
	// Fields corresponding to experiment parameters
	Photons  int
	Eve      float64
	Noise    float64
	Loss     float64
	Distance float64
	Trials   int

	// Fields corresponding to experiment results
	LostMean                 float64
	SiftedMean, SiftedStdDev float64
	KeyRate                  float64
	QBERMean, QBERStdDev     float64
	Security                 bb84.Security
}

func main() {
	flag.Parse()
	log, err := logging.New(*logLevel, "text", "stderr")
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuring logging: %v\n", err)
		os.Exit(2)
	}
	m, err := photon.ParseChannelModel(*model)
	if err != nil {
		log.Fatal(err)
	}
	var args [][]interface{}
	for _, inp := range inputs {
		args = append(args, lookupInput(inp))
	}
	if err := run(os.Stdout, args, m, *trials, *seed, log); err != nil {
		log.Fatal(err)
	}
}

func run(w io.Writer, args [][]interface{}, m photon.ChannelModel, trials int, seed int64, log logrus.FieldLogger) error {
	if trials <= 0 {
		return fmt.Errorf("trials must be positive, got %d", trials)
	}
	tmpl := template.Must(template.New("line").Parse(lineTmpl()))
	if _, err := fmt.Fprintln(w, header()); err != nil {
		return err
	}
	var err error
	applyCartesian(func(args []interface{}) {
		if err != nil {
			return
		}
		exp := &Experiment{
			Photons:  args[inpIndex("photons")].(int),
			Eve:      args[inpIndex("eve")].(float64),
			Noise:    args[inpIndex("noise")].(float64),
			Loss:     args[inpIndex("loss")].(float64),
			Distance: args[inpIndex("distance")].(float64),
			Trials:   trials,
		}
		if benchErr := bench(exp, m, seed); benchErr != nil {
			log.WithError(benchErr).Errorf("benching %+v", *exp)
			err = benchErr
			return
		}
		if tmplErr := tmpl.Execute(w, exp); tmplErr != nil {
			err = fmt.Errorf("BUG: could not fill in line template: %w", tmplErr)
		}
	}, args)
	return err
}

func inpIndex(v string) int {
	for i, inp := range inputs {
		if inp == v {
			return i
		}
	}
	return -1
}

func channel(exp *Experiment, m photon.ChannelModel) photon.Config {
	return photon.Config{
		EveEnabled:          exp.Eve > 0,
		EveInterceptPercent: exp.Eve,
		EveBasisMode:        photon.EveRandomBasis,
		ChannelNoisePercent: exp.Noise,
		PhotonLossPercent:   exp.Loss,
		ChannelDistanceKm:   exp.Distance,
		Model:               m,
	}
}

func bench(exp *Experiment, m photon.ChannelModel, seed int64) error {
	var lost, sifted, qber []float64
	for i := 0; i < exp.Trials; i++ {
		s, err := bb84.NewSession(bb84.SessionOpts{
			PhotonCount: exp.Photons,
			Channel:     channel(exp, m),
			Rand:        rand.New(rand.NewSource(seed + int64(i))),
		})
		if err != nil {
			return err
		}
		if _, err := s.AdvanceAll(); err != nil {
			return err
		}
		st := s.Stats()
		lost = append(lost, float64(st.Lost))
		sifted = append(sifted, float64(st.SiftedKeyLength))
		qber = append(qber, st.QBER)
	}
	exp.LostMean = stat.Mean(lost, nil)
	exp.SiftedMean, exp.SiftedStdDev = meanStdDev(sifted)
	exp.QBERMean, exp.QBERStdDev = meanStdDev(qber)
	exp.KeyRate = exp.SiftedMean / float64(exp.Photons)
	exp.Security = bb84.Classify(math.Round(exp.QBERMean*10) / 10)
	return nil
}

// meanStdDev is stat.MeanStdDev, with a single sample having no spread.
func meanStdDev(xs []float64) (mean, std float64) {
	if len(xs) == 1 {
		return xs[0], 0
	}
	return stat.MeanStdDev(xs, nil)
}

func header() string {
	return strings.Join(columns, ", ")
}

func lineTmpl() string {
	var els []string
	for _, c := range columns {
		els = append(els, "{{."+c+"}}")
	}
	return strings.Join(els, ", ") + "\n"
}

func lookupInput(name string) []interface{} {
	var r []interface{}
	if v, err := flag.CommandLine.GetIntSlice(name); err == nil {
		for _, val := range v {
			r = append(r, val)
		}
	} else if v, err := flag.CommandLine.GetFloat64Slice(name); err == nil {
		for _, val := range v {
			r = append(r, val)
		}
	} else {
		panic(fmt.Sprintf("unknown type for input %s", name))
	}
	return r
}

func applyCartesian(f func([]interface{}), args [][]interface{}) {
	for i := range args {
		if len(args[i]) == 1 {
			continue
		}
		l := make([][]interface{}, len(args))
		r := make([][]interface{}, len(args))
		copy(l, args)
		copy(r, args)
		l[i] = args[i][:1]
		r[i] = args[i][1:]
		applyCartesian(f, l)
		applyCartesian(f, r)
		return
	}
	x := make([]interface{}, 0, len(args))
	for _, a := range args {
		x = append(x, a[0])
	}
	f(x)
}
