package controller

import (
	"time"

	"github.com/lcdlab/sponexp/archive"
	"github.com/lcdlab/sponexp/experiment"
	"github.com/lcdlab/sponexp/poller"
)

// Role is the part an instrument plays in an experiment
type Role string

const (
	// Hotstage is the temperature controller
	Hotstage Role = "hotstage"

	// Generator is the signal source driving the sample
	Generator Role = "generator"

	// Acquirer is the oscilloscope or LCR meter taking the data
	Acquirer Role = "acquirer"
)

// Roles lists every role, in connection order
var Roles = []Role{Hotstage, Generator, Acquirer}

// Driver names accepted in a Connection
const (
	DriverMock      = "mock"
	DriverMockLCR   = "mock-lcr"
	DriverLinkam    = "linkam"
	DriverInstec    = "instec"
	Driver33220A    = "33220a"
	DriverE4980A    = "e4980a"
	DriverTektronix = "tektronix"
)

// Connection names the driver and address of the instrument in one role
type Connection struct {
	Role   Role   `json:"role" yaml:"Role" koanf:"Role"`
	Driver string `json:"driver" yaml:"Driver" koanf:"Driver"`

	// Addr is a VISA style resource string, port name or host:port.
	// Mock drivers ignore it.
	Addr string `json:"addr,omitempty" yaml:"Addr" koanf:"Addr"`
}

// Config is the configuration of a Controller
type Config struct {
	// TickInterval is the period the sequencer is advanced at
	TickInterval time.Duration `json:"tickInterval" yaml:"TickInterval" koanf:"TickInterval"`

	// PollInterval is the period the hotstage is read at
	PollInterval time.Duration `json:"pollInterval" yaml:"PollInterval" koanf:"PollInterval"`

	// LogCapacity is the number of readings kept in the temperature log
	LogCapacity int `json:"logCapacity" yaml:"LogCapacity" koanf:"LogCapacity"`

	// Timeout overrides the drivers' transaction timeout when nonzero
	Timeout time.Duration `json:"timeout" yaml:"Timeout" koanf:"Timeout"`

	// Mock connects simulated instruments to every role with no Connection
	Mock bool `json:"mock" yaml:"Mock" koanf:"Mock"`

	Instruments []Connection `json:"instruments" yaml:"Instruments" koanf:"Instruments"`

	// Discover lists addresses that cannot be enumerated, e.g. socket
	// instruments, to include in discovery
	Discover []string `json:"discover" yaml:"Discover" koanf:"Discover"`

	// Settings are the defaults for runs which do not give their own
	Settings experiment.Settings `json:"settings" yaml:"Settings" koanf:"Settings"`

	// FITS also writes each point as a FITS image
	FITS bool `json:"fits" yaml:"FITS" koanf:"FITS"`

	Archive archive.Config `json:"archive" yaml:"Archive" koanf:"Archive"`
}

// DefaultConfig is a usable configuration with no instruments
func DefaultConfig() Config {
	return Config{
		TickInterval: 100 * time.Millisecond,
		PollInterval: poller.DefaultInterval,
		LogCapacity:  poller.DefaultCapacity,
		Settings:     experiment.DefaultSettings(),
	}
}
