package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-yaml/yaml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/plantcare/dvalve/generichttp"
	"github.com/plantcare/dvalve/generichttp/motion"
	"github.com/plantcare/dvalve/gpio"
	"github.com/plantcare/dvalve/monitor"
	"github.com/plantcare/dvalve/server/middleware/locker"
	"github.com/plantcare/dvalve/stepper"
	"github.com/plantcare/dvalve/util"
)

// ValveSetup holds the parameters of one valve.
type ValveSetup struct {
	// Endpoint is the full path the routes from this valve will be served on
	// ex. Endpoint="/bench/valve" will produce routes of /bench/valve/pos, etc.
	Endpoint string `yaml:"endpoint" koanf:"endpoint"`

	// Chip is the GPIO character device, e.g. gpiochip0
	Chip string `yaml:"chip" koanf:"chip"`

	// PullUp biases the limit switch inputs high
	PullUp bool `yaml:"pullup" koanf:"pullup"`

	// Motor is the wiring and motion configuration
	Motor stepper.Config `yaml:"motor" koanf:"motor"`

	// Limits are soft limits on the percent open accepted over HTTP.
	// Empty means [0, 100].
	Limits *util.Limiter `yaml:"limits" koanf:"limits"`

	// QuickMoves are the presets served at /quick/{n}
	QuickMoves []stepper.QuickMove `yaml:"quickmoves" koanf:"quickmoves"`

	// CalibrateOnStart runs calibration before the server starts listening
	CalibrateOnStart bool `yaml:"calibrateonstart" koanf:"calibrateonstart"`

	// History is the number of 1 Hz status samples kept
	History int `yaml:"history" koanf:"history"`

	// SimTravel is the range of the simulated valve used in Mock mode
	SimTravel int `yaml:"simtravel" koanf:"simtravel"`
}

// Config is a struct that holds the initialization parameters for the
// valves.  It is to be populated by koanf or LoadYaml.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"addr" koanf:"addr"`

	// Mock replaces every chip with a simulated valve
	Mock bool `yaml:"mock" koanf:"mock"`

	// Nodes is the list of valves to set up
	Nodes []ValveSetup `yaml:"nodes" koanf:"nodes"`
}

// DefaultValveSetup returns a valve on gpiochip0 with the reference wiring
func DefaultValveSetup() ValveSetup {
	return ValveSetup{
		Endpoint:   "valve",
		Chip:       "gpiochip0",
		Motor:      stepper.DefaultConfig(),
		QuickMoves: stepper.DefaultQuickMoves(),
		History:    monitor.DefaultCapacity,
		SimTravel:  1000,
	}
}

// DefaultConfig returns a config with one valve listening on :8000
func DefaultConfig() Config {
	return Config{Addr: ":8000", Nodes: []ValveSetup{DefaultValveSetup()}}
}

// fillDefaults replaces zero values with the defaults, so a config file
// need only give what differs
func (v *ValveSetup) fillDefaults() {
	d := DefaultValveSetup()
	if v.Chip == "" {
		v.Chip = d.Chip
	}
	m, dm := &v.Motor, d.Motor
	if m.Pins == (gpio.Pins{}) {
		m.Pins = dm.Pins
	}
	if m.StepsPerRevolution == 0 {
		m.StepsPerRevolution = dm.StepsPerRevolution
	}
	if m.Microstepping == 0 {
		m.Microstepping = dm.Microstepping
	}
	if m.Speed == 0 {
		m.Speed = dm.Speed
	}
	if m.MaxSpeed == 0 {
		m.MaxSpeed = dm.MaxSpeed
	}
	if m.Acceleration == 0 {
		m.Acceleration = dm.Acceleration
	}
	if m.CloseHalfPeriod == 0 {
		m.CloseHalfPeriod = dm.CloseHalfPeriod
	}
	if m.OpenHalfPeriod == 0 {
		m.OpenHalfPeriod = dm.OpenHalfPeriod
	}
	if m.MaxCalibrationSteps == 0 {
		m.MaxCalibrationSteps = dm.MaxCalibrationSteps
	}
	if v.QuickMoves == nil {
		v.QuickMoves = d.QuickMoves
	}
	if v.History == 0 {
		v.History = d.History
	}
	if v.SimTravel == 0 {
		v.SimTravel = d.SimTravel
	}
}

// LoadYaml converts a (path to a) yaml file into a Config struct
func LoadYaml(path string) (Config, error) {
	cfg := Config{}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	err = yaml.NewDecoder(f).Decode(&cfg)
	return cfg, err
}

// Validate checks every node for settings the valves cannot run with
func (c Config) Validate() error {
	seen := map[string]bool{}
	for _, node := range c.Nodes {
		node.fillDefaults()
		hndlS := generichttp.SubMuxSanitize(node.Endpoint)
		if seen[hndlS] {
			return fmt.Errorf("endpoint %s used by more than one valve", hndlS)
		}
		seen[hndlS] = true
		if err := node.Motor.Validate(); err != nil {
			return fmt.Errorf("%s: %w", hndlS, err)
		}
		if node.Limits != nil && node.Limits.Min > node.Limits.Max {
			return fmt.Errorf("%s: limits min %v exceeds max %v", hndlS, node.Limits.Min, node.Limits.Max)
		}
	}
	return nil
}

// Bench is every valve the server drives
type Bench struct {
	ctls     []*stepper.Controller
	monitors []*monitor.Monitor
}

// Close stops the monitors and releases every valve
func (b *Bench) Close() error {
	var err error
	for _, m := range b.monitors {
		m.Stop()
	}
	for _, c := range b.ctls {
		err = multierr.Append(err, c.Close())
	}
	return err
}

func openChip(c Config, node ValveSetup) gpio.Chip {
	if c.Mock {
		on, _ := node.Motor.EnableLevels()
		return gpio.NewSimFor(node.Motor.Pins, on, node.SimTravel, node.SimTravel/2)
	}
	return gpio.NewCdev(node.Chip, node.PullUp)
}

// BuildMux constructs a chi router with a submux for every valve, plus
// /endpoints, which returns every route as JSON, and /metrics.
// On error every valve opened so far is released.  A nil logger discards.
func BuildMux(c Config, logger *log.Logger) (chi.Router, *Bench, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}
	reg := prometheus.NewRegistry()
	bench := &Bench{}
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	fail := func(err error) (chi.Router, *Bench, error) {
		return nil, nil, multierr.Append(err, bench.Close())
	}

	for _, node := range c.Nodes {
		node.fillDefaults()
		// prepare the URL, "bench/valve" => "/bench/valve"
		hndlS := generichttp.SubMuxSanitize(node.Endpoint)

		nodeLog := log.New(logger.Writer(), hndlS+" ", logger.Flags())
		ctl, err := stepper.New(openChip(c, node), node.Motor, nodeLog, nil)
		if err != nil {
			return fail(fmt.Errorf("%s: %w", hndlS, err))
		}
		bench.ctls = append(bench.ctls, ctl)

		journal := monitor.NewJournal(256, nodeLog)
		mon := monitor.New(ctl, monitor.DefaultTick, node.History, nodeLog)
		if err := mon.Register(reg, hndlS); err != nil {
			return fail(err)
		}
		bench.monitors = append(bench.monitors, mon)

		if node.CalibrateOnStart {
			nodeLog.Println("calibrating on start")
			if _, err := ctl.Calibrate(); err != nil {
				return fail(fmt.Errorf("%s: %w", hndlS, err))
			}
			journal.Record("calibrated on start")
		}

		httper := stepper.NewHTTPWrapper(ctl, node.QuickMoves, journal.Record)
		limits := node.Limits
		if limits == nil {
			limits = &util.Limiter{Min: 0, Max: 100}
		}
		limiter := motion.LimitMiddleware{Limit: limits, Mov: httper}
		limiter.Inject(httper)
		mon.Inject(httper)
		journal.Inject(httper)

		// add a lock interface for this node, stopping is never locked out
		lock := locker.New("stop", "estop")
		lock.OnChange = func(locked bool) {
			journal.Record(fmt.Sprintf("locked=%v", locked))
		}
		locker.Inject(httper, lock)

		// add the endpoints to the graph
		supergraph[hndlS] = httper.RT().Endpoints()

		// bind to the mux
		r := chi.NewRouter()
		r.Use(lock.Check)
		r.Use(limiter.Check)
		httper.RT().Bind(r)
		root.Mount(hndlS, r)
		mon.Start()
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		generichttp.JSON(w, supergraph)
	})
	root.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return root, bench, nil
}

// shutdownGrace bounds how long in-flight requests are given on exit
const shutdownGrace = 5 * time.Second
