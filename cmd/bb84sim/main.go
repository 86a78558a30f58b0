// bb84sim runs a single simulated BB84 session and reports what happened to
// every photon together with the statistics of the sifted key. It can also
// replay a previously recorded session, or serve sessions to a browser over
// WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/qkdlab/bb84sim/bb84"
	"github.com/qkdlab/bb84sim/bb84/photon"
	"github.com/qkdlab/bb84sim/internal/config"
	"github.com/qkdlab/bb84sim/internal/logging"
	"github.com/qkdlab/bb84sim/internal/observability"
	"github.com/qkdlab/bb84sim/internal/stream"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

// options holds the command line, before it is merged into a config.Config.
type options struct {
	configPath string
	experiment string
	photons    int
	seed       int64
	eve        float64
	noise      float64
	loss       float64
	distance   float64
	model      string
	forceMatch bool

	format     string
	recordLog  string
	replay     string
	distill    bool
	winnow     bool
	confidence float64
	series     bool

	metricsTextfile string
	serve           bool
	addr            string
	origins         []string
	logLevel        string
	logFormat       string
}

func (o options) winnowIters() []int {
	if !o.winnow {
		return nil
	}
	return bb84.DefaultWinnowIters
}

func newFlagSet(o *options) *flag.FlagSet {
	fs := flag.NewFlagSet("bb84sim", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "A YAML run configuration to load.")
	fs.StringVar(&o.experiment, "experiment", "", "The preset to start from when no --config is given; one of "+fmt.Sprint(config.Presets())+".")
	fs.IntVar(&o.photons, "photons", 0, "The number of photons Alice sends.")
	fs.Int64Var(&o.seed, "seed", 0, "Seeds the run for reproducibility; 0 seeds from the clock.")
	fs.Float64Var(&o.eve, "eve", 0, "The percentage of photons Eve intercepts; 0 disables Eve.")
	fs.Float64Var(&o.noise, "noise", 0, "The channel noise percentage.")
	fs.Float64Var(&o.loss, "loss", 0, "The photon loss percentage.")
	fs.Float64Var(&o.distance, "distance", 0, "The channel length in km.")
	fs.StringVar(&o.model, "model", "", "The channel model: auto, direct or distance.")
	fs.BoolVar(&o.forceMatch, "force-match", false, "Make Bob always measure in Alice's basis.")
	fs.StringVar(&o.format, "format", "table", "The output format: table, csv or json.")
	fs.StringVar(&o.recordLog, "record-log", "", "Write every record to this file as the run progresses.")
	fs.StringVar(&o.replay, "replay", "", "Report on the records in this file instead of running a session.")
	fs.BoolVar(&o.distill, "distill", false, "Sample the sifted key and distill a final key.")
	fs.BoolVar(&o.winnow, "winnow", false, "Error correct the sifted key with Winnow before distilling it.")
	fs.Float64Var(&o.confidence, "confidence", 0.95, "The confidence level of the reported QBER interval.")
	fs.BoolVar(&o.series, "series", false, "Include the running QBER against sifted key length.")
	fs.StringVar(&o.metricsTextfile, "metrics-textfile", "", "Write Prometheus metrics of the run to this file.")
	fs.BoolVar(&o.serve, "serve", false, "Serve sessions over WebSocket instead of running one.")
	fs.StringVar(&o.addr, "addr", "", "The address to serve on.")
	fs.StringSliceVar(&o.origins, "allowed-origins", nil, "Origins browsers may connect from; empty allows any.")
	fs.StringVar(&o.logLevel, "log-level", "", "The minimum level of log messages.")
	fs.StringVar(&o.logFormat, "log-format", "", "The log format: text or json.")
	return fs
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "bb84sim: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	var o options
	fs := newFlagSet(&o)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := buildConfig(&o, fs)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output)
	if err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}
	switch o.format {
	case "table", "csv", "json":
	default:
		return fmt.Errorf("unknown output format %q", o.format)
	}

	if o.serve {
		return serve(ctx, cfg, log)
	}
	if o.replay != "" {
		return replay(o, cfg, stdout)
	}
	return simulate(o, cfg, log, stdout)
}

// buildConfig merges the command line into the configuration file or preset
// it names. Flags win.
func buildConfig(o *options, fs *flag.FlagSet) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if o.configPath != "" {
		if fs.Changed("experiment") {
			return config.Config{}, errors.New("--experiment and --config are mutually exclusive")
		}
		cfg, err = config.Load(o.configPath)
	} else {
		cfg, err = config.Preset(o.experiment)
	}
	if err != nil {
		return config.Config{}, err
	}

	if fs.Changed("photons") {
		cfg.Photons = o.photons
	}
	if fs.Changed("seed") {
		cfg.Seed = o.seed
	}
	if fs.Changed("eve") {
		cfg.Channel.EveEnabled = o.eve > 0
		cfg.Channel.EveInterceptPercent = o.eve
	}
	if fs.Changed("noise") {
		cfg.Channel.ChannelNoisePercent = o.noise
	}
	if fs.Changed("loss") {
		cfg.Channel.PhotonLossPercent = o.loss
	}
	if fs.Changed("distance") {
		cfg.Channel.ChannelDistanceKm = o.distance
	}
	if fs.Changed("model") {
		m, err := photon.ParseChannelModel(o.model)
		if err != nil {
			return config.Config{}, err
		}
		cfg.Channel.Model = m
	}
	if fs.Changed("force-match") {
		cfg.Channel.ForceMatchBases = o.forceMatch
	}
	if fs.Changed("metrics-textfile") {
		cfg.Metrics.Textfile = o.metricsTextfile
	}
	if fs.Changed("addr") {
		cfg.Serve.Addr = o.addr
	}
	if fs.Changed("allowed-origins") {
		cfg.Serve.AllowedOrigins = o.origins
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func seedOf(cfg config.Config) int64 {
	if cfg.Seed != 0 {
		return cfg.Seed
	}
	return time.Now().UnixNano()
}

func simulate(o options, cfg config.Config, log logrus.FieldLogger, stdout io.Writer) (err error) {
	seed := seedOf(cfg)
	opts := bb84.SessionOpts{
		ID:          uuid.New(),
		PhotonCount: cfg.Photons,
		Channel:     cfg.Channel,
		Rand:        rand.New(rand.NewSource(seed)),
		Logger:      log.WithField("experiment", cfg.Experiment),
	}

	var col *observability.Collector
	if cfg.Metrics.Textfile != "" {
		if col, err = observability.NewCollector(prometheus.NewRegistry()); err != nil {
			return err
		}
		opts.Observers = append(opts.Observers, col.Session(opts.ID.String()))
	}
	var rw *bb84.RecordWriter
	if o.recordLog != "" {
		f, ferr := os.Create(o.recordLog)
		if ferr != nil {
			return fmt.Errorf("creating record log: %w", ferr)
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		rw = bb84.NewRecordWriter(f)
		opts.Observers = append(opts.Observers, rw)
	}

	s, err := bb84.NewSession(opts)
	if err != nil {
		return err
	}
	if _, err := s.AdvanceAll(); err != nil {
		return err
	}
	if rw != nil && rw.Err() != nil {
		return fmt.Errorf("writing record log: %w", rw.Err())
	}

	rep, err := newReport(cfg, s.Records(), o.confidence, o.series)
	if err != nil {
		return err
	}
	rep.Session = s.ID().String()
	rep.Seed = seed
	if o.distill {
		rep.distill(rand.New(rand.NewSource(seed+1)), o.winnowIters())
	}
	if err := rep.render(stdout, o.format); err != nil {
		return err
	}
	if col != nil {
		if err := col.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			return fmt.Errorf("writing metrics: %w", err)
		}
	}
	return nil
}

func replay(o options, cfg config.Config, stdout io.Writer) error {
	f, err := os.Open(o.replay)
	if err != nil {
		return fmt.Errorf("opening record log: %w", err)
	}
	defer f.Close()
	recs, err := bb84.NewRecordReader(f).ReadAll()
	if err != nil {
		return err
	}
	cfg.Experiment = "replay"
	cfg.Photons = len(recs)
	rep, err := newReport(cfg, recs, o.confidence, o.series)
	if err != nil {
		return err
	}
	if o.distill {
		rep.distill(rand.New(rand.NewSource(seedOf(cfg)+1)), o.winnowIters())
	}
	return rep.render(stdout, o.format)
}

func serve(ctx context.Context, cfg config.Config, log logrus.FieldLogger) error {
	reg := prometheus.NewRegistry()
	col, err := observability.NewCollector(reg)
	if err != nil {
		return err
	}
	srv := stream.NewServer(stream.ServerOpts{
		AllowedOrigins: cfg.Serve.AllowedOrigins,
		Seed:           cfg.Seed,
		Collector:      col,
		Logger:         log,
	})
	return srv.ListenAndServe(ctx, cfg.Serve.Addr)
}
