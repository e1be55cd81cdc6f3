// Package config loads instrument connection settings from YAML or TOML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/labinst/gpib"
	"github.com/mklimuk/labinst/serial"
)

const (
	TransportGPIB   = "gpib"
	TransportSerial = "serial"
	TransportRS485  = "rs485"
	TransportTCP    = "tcp"
)

var ErrUnsupportedFormat = errors.New("unsupported config format")

// Duration is a time.Duration written as a string, e.g. "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	Log          Log          `yaml:"log" toml:"log"`
	Electrometer Electrometer `yaml:"electrometer" toml:"electrometer"`
	Camera       Camera       `yaml:"camera" toml:"camera"`
	Trigger      Trigger      `yaml:"trigger" toml:"trigger"`
}

type Log struct {
	Level string `yaml:"level" toml:"level"`
	// File enables a rotated log file next to the console output.
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// Connection describes how to reach an instrument.
//
//	gpib:   Port is the Prologix controller serial port, Address a GPIB resource (GPIB::15)
//	serial: Port is the serial device
//	rs485:  Port is the serial device, RTS switches the line driver
//	tcp:    Address is host:port
type Connection struct {
	Transport  string   `yaml:"transport" toml:"transport"`
	Address    string   `yaml:"address" toml:"address"`
	Port       string   `yaml:"port" toml:"port"`
	BaudRate   int      `yaml:"baud_rate" toml:"baud_rate"`
	Parity     string   `yaml:"parity" toml:"parity"`
	StopBits   string   `yaml:"stop_bits" toml:"stop_bits"`
	Timeout    Duration `yaml:"timeout" toml:"timeout"`
	WriteDelay Duration `yaml:"write_delay" toml:"write_delay"`
}

type Electrometer struct {
	Connection   `yaml:",inline"`
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval"`
	// AcquireTimeout bounds the wait for a buffered acquisition, zero waits forever.
	AcquireTimeout Duration `yaml:"acquire_timeout" toml:"acquire_timeout"`
	NPLC           float64  `yaml:"nplc" toml:"nplc"`
}

type Camera struct {
	Address     string   `yaml:"address" toml:"address"`
	TempDir     string   `yaml:"temp_dir" toml:"temp_dir"`
	DialTimeout Duration `yaml:"dial_timeout" toml:"dial_timeout"`
}

type Trigger struct {
	Pin   string   `yaml:"pin" toml:"pin"`
	Width Duration `yaml:"width" toml:"width"`
}

func Default() *Config {
	return &Config{
		Log: Log{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Electrometer: Electrometer{
			Connection: Connection{
				Transport: TransportGPIB,
				Address:   "GPIB::15",
				Port:      "/dev/ttyUSB0",
				Timeout:   Duration{3 * time.Second},
			},
			PollInterval: Duration{50 * time.Millisecond},
			NPLC:         0.01,
		},
		Camera: Camera{
			Address:     "127.0.0.1:42057",
			TempDir:     os.TempDir(),
			DialTimeout: Duration{5 * time.Second},
		},
		Trigger: Trigger{
			Width: Duration{10 * time.Microsecond},
		},
	}
}

// Load reads path on top of the defaults. The format is chosen by extension.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, cfg)
	case ".toml":
		_, err = toml.Decode(string(raw), cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("could not parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	if err := c.Electrometer.Connection.validate(); err != nil {
		errs = append(errs, fmt.Errorf("electrometer: %w", err))
	}
	if c.Electrometer.NPLC < 0.01 || c.Electrometer.NPLC > 10 {
		errs = append(errs, fmt.Errorf("electrometer.nplc: %v out of range 0.01..10", c.Electrometer.NPLC))
	}
	if c.Camera.Address == "" {
		errs = append(errs, errors.New("camera.address: required"))
	}
	return errors.Join(errs...)
}

func (c Connection) validate() error {
	switch c.Transport {
	case TransportGPIB:
		if c.Port == "" {
			return errors.New("gpib transport requires the controller port")
		}
		if _, err := gpib.ParseAddress(c.Address); err != nil {
			return err
		}
	case TransportSerial, TransportRS485:
		if c.Port == "" {
			return fmt.Errorf("%s transport requires port", c.Transport)
		}
		if _, err := serial.ParseParity(c.Parity); err != nil {
			return err
		}
		if _, err := serial.ParseStopBits(c.StopBits); err != nil {
			return err
		}
	case TransportTCP:
		if c.Address == "" {
			return errors.New("tcp transport requires address")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	return nil
}
