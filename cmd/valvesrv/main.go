package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/mitchellh/mapstructure"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "valvesrv.yml"

	// EnvPrefix marks environment variables that override the config file,
	// e.g. DVALVE_ADDR=:9000 or DVALVE_MOCK=true
	EnvPrefix = "DVALVE_"

	k = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) && !strings.Contains(err.Error(), "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", -1)
	}), nil)
	if err != nil {
		log.Fatalf("error loading environment: %v", err)
	}
}

// unmarshal decodes the merged config.  Directions and durations are
// written as text in the file.
func unmarshal(c *Config) error {
	return k.UnmarshalWithConf("", c, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.TextUnmarshallerHookFunc()),
			Result:           c,
			WeaklyTypedInput: true,
		},
	})
}

func root() {
	str := `valvesrv drives stepper motor valves through the Linux GPIO character
device and exposes an HTTP interface to them.  This enables a server-client
architecture, and the clients can leverage the excellent HTTP libraries for
any programming language.

Usage:
	valvesrv <command>

Commands:
	run
	help
	mkconf
	conf
	check [file]
	version`
	fmt.Println(str)
}

func help() {
	str := `valvesrv is amenable to configuration via its .yml file.  For a primer on YAML, see
https://yaml.org/start.html

Run "valvesrv mkconf" to write a file with every setting at its default.
Settings left out of a node take the defaults.  DVALVE_ADDR and DVALVE_MOCK
override the file.

No two valves can have the same endpoint.

Endpoints may look like any variation between "bench/valve" or "/bench/valve/",
the leading and trailing slashes are handled by the server.

Every valve must be calibrated (POST <endpoint>/home) before it accepts
directed moves, unless calibrateonstart is set.  Calibration drives to the
bottom switch then up to the top switch, and leaves the valve fully open.

Routes per valve:
	GET  pos, POST pos {"f64": percent} (?relative=true)
	POST home, stop, estop, open, close
	GET  status, inposition, limits, history, journal, quick
	GET  feed (websocket)
	POST steps {"steps": n, "direction": "open"}
	POST angle {"angle": deg, "direction": "close"}
	POST quick/{n}
	GET|POST velocity, microstepping, acceleration, lock

Server-wide:
	GET endpoints, metrics

With mock: true every chip is replaced by a simulated valve.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := unmarshal(&c)
	if err != nil {
		log.Fatal(err)
	}
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
	c := Config{}
	if err := unmarshal(&c); err != nil {
		log.Fatal(err)
	}
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

// check validates a config file without touching any hardware
func check(path string) {
	c, err := LoadYaml(path)
	if err != nil {
		log.Fatal(err)
	}
	if err := c.Validate(); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s: %d valve(s) ok\n", path, len(c.Nodes))
}

func pversion() {
	fmt.Printf("valvesrv version %v\n", Version)
}

func run() {
	c := Config{}
	err := unmarshal(&c)
	if err != nil {
		log.Fatal(err)
	}
	if len(c.Nodes) == 0 {
		log.Fatal("no valves configured")
	}
	logger := log.New(os.Stderr, "", log.LstdFlags)
	mux, bench, err := BuildMux(c, logger)
	if err != nil {
		log.Fatal(err)
	}
	srv := &http.Server{Addr: c.Addr, Handler: mux}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		shutdown, done := context.WithTimeout(context.Background(), shutdownGrace)
		defer done()
		srv.Shutdown(shutdown)
	}()

	log.Println("now listening for requests at ", c.Addr)
	err = srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		log.Println(err)
	}
	if err := bench.Close(); err != nil {
		log.Fatal(err)
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
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "check":
		path := ConfigFileName
		if len(args) > 2 {
			path = args[2]
		}
		check(path)
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
