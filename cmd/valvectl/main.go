/*Command valvectl is an interactive terminal menu for a single valve.

It opens the GPIO lines itself, so it cannot run alongside valvesrv on the
same chip.  Settings come from valvectl.yml and DVALVE_ environment
variables, e.g. DVALVE_MOCK=true to drive a simulated valve.
*/
package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/mitchellh/mapstructure"
	"github.com/theckman/yacspin"

	"github.com/plantcare/dvalve/gpio"
	"github.com/plantcare/dvalve/stepper"
)

var (
	// ConfigFileName is what it sounds like
	ConfigFileName = "valvectl.yml"

	// EnvPrefix marks environment variables that override the config file
	EnvPrefix = "DVALVE_"

	k = koanf.New(".")
)

// Config holds the parameters of the valve driven by the menu
type Config struct {
	// Chip is the GPIO character device, e.g. gpiochip0
	Chip string `yaml:"chip" koanf:"chip"`

	// PullUp biases the limit switch inputs high
	PullUp bool `yaml:"pullup" koanf:"pullup"`

	// Mock replaces the chip with a simulated valve of SimTravel steps
	Mock      bool `yaml:"mock" koanf:"mock"`
	SimTravel int  `yaml:"simtravel" koanf:"simtravel"`

	// Motor is the wiring and motion configuration
	Motor stepper.Config `yaml:"motor" koanf:"motor"`

	// QuickMoves are the presets offered by the menu
	QuickMoves []stepper.QuickMove `yaml:"quickmoves" koanf:"quickmoves"`
}

// DefaultConfig returns the reference board on gpiochip0
func DefaultConfig() Config {
	return Config{
		Chip:       "gpiochip0",
		SimTravel:  1000,
		Motor:      stepper.DefaultConfig(),
		QuickMoves: stepper.DefaultQuickMoves(),
	}
}

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) && !strings.Contains(err.Error(), "no such") {
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

// newSpinner is shown while calibration runs
func newSpinner() (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           "Calibrating...",
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
}

func openChip(c Config) gpio.Chip {
	if c.Mock {
		on, _ := c.Motor.EnableLevels()
		return gpio.NewSimFor(c.Motor.Pins, on, c.SimTravel, c.SimTravel/2)
	}
	return gpio.NewCdev(c.Chip, c.PullUp)
}

func main() {
	setupconfig()
	c := Config{}
	if err := unmarshal(&c); err != nil {
		log.Fatal(err)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	ctl, err := stepper.New(openChip(c), c.Motor, logger, nil)
	if err != nil {
		log.Fatal(err)
	}

	// ^C is an emergency stop, a second one quits
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		ctl.EmergencyStop()
		<-sig
		ctl.Close()
		os.Exit(1)
	}()

	m := newMenu(ctl, os.Stdin, os.Stdout, c.QuickMoves)
	m.spinner = newSpinner
	m.run()
	if err := ctl.Close(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
