/*Command sponexp runs dielectric and ferroelectric measurements against a
hotstage, a signal source and an oscilloscope or LCR meter.

	sponexp run       serve the HTTP interface and run experiments on request
	sponexp sweep     run one sweep from the command line and exit
	sponexp discover  list the instruments attached to this machine
*/
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/rs/zerolog"
	yml "gopkg.in/yaml.v2"

	"github.com/lcdlab/sponexp/controller"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "sponexp.yml"

	// EnvPrefix marks environment variables which override the config file,
	// SPONEXP_ADDR or SPONEXP_STATION__MOCK for nested keys
	EnvPrefix = "SPONEXP_"

	k = koanf.New(".")
)

// Config is the application configuration
type Config struct {
	// Addr is the HTTP listen address
	Addr string `yaml:"Addr" koanf:"Addr"`

	// LogLevel is one of trace, debug, info, warn, error
	LogLevel string `yaml:"LogLevel" koanf:"LogLevel"`

	Station controller.Config `yaml:"Station" koanf:"Station"`
}

func defaultConfig() Config {
	return Config{
		Addr:     ":8000",
		LogLevel: "info",
		Station:  controller.DefaultConfig(),
	}
}

func setupconfig() error {
	k.Load(structs.Provider(defaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) && !strings.Contains(err.Error(), "no such") {
			return fmt.Errorf("error loading config: %w", err)
		}
	}
	// environment names are upper case, match them to the existing keys
	canon := map[string]string{}
	for _, key := range k.Keys() {
		canon[strings.ToLower(key)] = key
	}
	return k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(s, EnvPrefix), "__", "."))
		if c, ok := canon[key]; ok {
			return c
		}
		return key
	}), nil)
}

func loadConfig() (Config, error) {
	c := Config{}
	err := k.Unmarshal("", &c)
	return c, err
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()
}

func root() {
	str := `sponexp drives a hotstage, a signal source and an oscilloscope or LCR meter
through temperature, frequency and voltage sweeps, and records every point.

Usage:
	sponexp <command>

Commands:
	run
	sweep
	discover
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `sponexp is configured by sponexp.yml in the working directory, and by
environment variables prefixed SPONEXP_, e.g. SPONEXP_ADDR=:9000.  Nested keys
are joined by a double underscore, SPONEXP_STATION__MOCK=true.  mkconf writes
the defaults to sponexp.yml.

Instruments are listed under Station.Instruments, one per role:

	Instruments:
	- Role: hotstage
	  Driver: linkam
	  Addr: ASRL/dev/ttyUSB0::INSTR
	- Role: generator
	  Driver: 33220a
	  Addr: TCPIP0::192.168.1.20::5025::SOCKET
	- Role: acquirer
	  Driver: tektronix
	  Addr: USB0::0x0699::0x0368::C012345::INSTR

Roles and drivers:
- hotstage: "linkam" (T95 over RS-232), "instec" (mK2000 binary protocol)
- generator: "33220a" (Agilent function generator), "e4980a" (LCR meter test signal)
- acquirer: "tektronix" (oscilloscope channels), "e4980a" (single shot impedance)
- any role: "mock", simulated.  "mock-lcr" is a simulated LCR meter.

With Station.Mock true, roles without an instrument get a mock.

Addresses are VISA style, ASRL (serial), USB (USBTMC) or TCPIP (raw socket).
Bare port names and host:port are accepted too.  GPIB is not supported.

sweep flags:
	-T, -V, -F   temperature, voltage, frequency lists, "25,30,40" or
	             lin:start:end:n, log:start:end:n, step:start:end:step
	-o           result file
	-resume      continue the run recorded in a result file`
	fmt.Println(str)
}

func mkconf() error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		return err
	}
	defer f.Close()
	return yml.NewEncoder(f).Encode(c)
}

func printconf() error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	return yml.NewEncoder(os.Stdout).Encode(c)
}

func pversion() {
	fmt.Printf("sponexp version %v\n", Version)
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	if err := setupconfig(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	var err error
	switch strings.ToLower(args[1]) {
	case "help":
		help()
	case "mkconf":
		err = mkconf()
	case "conf":
		err = printconf()
	case "run":
		err = run()
	case "sweep":
		err = sweepCmd(args[2:])
	case "discover":
		err = discoverCmd()
	case "version":
		pversion()
	default:
		err = fmt.Errorf("unknown command %q", args[1])
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
