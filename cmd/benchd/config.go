package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	yml "gopkg.in/yaml.v2"

	"github.com/battlab/benchd/comm"
	"github.com/battlab/benchd/device"
)

// ConfigFileName is the default config location, overridable with --config.
var ConfigFileName = "benchd.yml"

var k = koanf.New(".")

// DeviceConfig describes one bench instrument.
type DeviceConfig struct {
	// Name is the operator-facing name, unique across the config.
	Name string `koanf:"name" yaml:"name"`

	// Type selects the instrument family: sorensen, keithley, prodigit.
	Type string `koanf:"type" yaml:"type"`

	// Transport is tcp, serial, or usb.
	Transport string `koanf:"transport" yaml:"transport"`

	// Addr is host:port for tcp transports.
	Addr string `koanf:"addr" yaml:"addr"`

	// Port and Baud configure serial transports.
	Port string `koanf:"port" yaml:"port"`
	Baud int    `koanf:"baud" yaml:"baud"`

	// VendorID and ProductID configure USBTMC transports.
	VendorID  uint16 `koanf:"vendorID" yaml:"vendorID"`
	ProductID uint16 `koanf:"productID" yaml:"productID"`
}

// Config is the daemon's YAML-file configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `koanf:"addr" yaml:"addr"`

	// IntervalMS is the monitoring cadence in milliseconds.
	IntervalMS int `koanf:"intervalMS" yaml:"intervalMS"`

	// OutDir receives test CSV artifacts.
	OutDir string `koanf:"outDir" yaml:"outDir"`

	// LogLevel is a logrus level name.
	LogLevel string `koanf:"logLevel" yaml:"logLevel"`

	Devices []DeviceConfig `koanf:"devices" yaml:"devices"`
}

func defaultConfig() Config {
	return Config{
		Addr:       ":8000",
		IntervalMS: 1000,
		OutDir:     ".",
		LogLevel:   "info",
		Devices: []DeviceConfig{
			{Name: "keithley", Type: "keithley", Transport: "tcp", Addr: "192.168.0.30:5025"},
			{Name: "sorensen", Type: "sorensen", Transport: "serial", Port: "/dev/ttyUSB0", Baud: 9600},
			{Name: "load", Type: "prodigit", Transport: "usb", VendorID: 0x05e6, ProductID: 0x2281},
		},
	}
}

// setupConfig layers the YAML file over the built-in defaults.  A missing
// file is not an error; the defaults stand.
func setupConfig() error {
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return err
	}
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") {
			return errors.Wrap(err, "load config")
		}
	}
	return nil
}

func loadConfig() (Config, error) {
	if err := setupConfig(); err != nil {
		return Config{}, err
	}
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	return c, nil
}

// Interval converts the configured cadence to a duration.
func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// Device looks a device config up by name.
func (c Config) Device(name string) (DeviceConfig, error) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, nil
		}
	}
	return DeviceConfig{}, errors.Errorf("no device named %q in the config", name)
}

// transport builds the comm layer for one device config.
func (d DeviceConfig) transport() (comm.Transport, error) {
	switch strings.ToLower(d.Transport) {
	case "tcp":
		if d.Addr == "" {
			return nil, errors.Errorf("device %s: tcp transport needs addr", d.Name)
		}
		return comm.NewTCP(d.Addr), nil
	case "serial":
		if d.Port == "" {
			return nil, errors.Errorf("device %s: serial transport needs port", d.Name)
		}
		baud := d.Baud
		if baud == 0 {
			baud = 9600
		}
		return comm.NewSerial(d.Port, baud), nil
	case "usb":
		if d.VendorID == 0 || d.ProductID == 0 {
			return nil, errors.Errorf("device %s: usb transport needs vendorID and productID", d.Name)
		}
		return comm.NewUSB(d.VendorID, d.ProductID), nil
	}
	return nil, errors.Errorf("device %s: unknown transport %q", d.Name, d.Transport)
}

// session builds and connects a device session.
func (d DeviceConfig) session(log logrus.FieldLogger) (*device.Session, error) {
	spec, err := device.SpecFor(d.Type)
	if err != nil {
		return nil, err
	}
	t, err := d.transport()
	if err != nil {
		return nil, err
	}
	s := device.NewSession(d.Name, t, spec, log)
	if err := s.Connect(); err != nil {
		return nil, errors.Wrapf(err, "connect %s", d.Name)
	}
	return s, nil
}

// mkconf writes an example config to ConfigFileName.
func mkconf() error {
	if _, err := os.Stat(ConfigFileName); err == nil {
		return errors.Errorf("%s already exists, not overwriting", ConfigFileName)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := yml.NewEncoder(f).Encode(defaultConfig()); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", ConfigFileName)
	return nil
}

// printconf dumps the effective config (defaults overlaid by file).
func printconf() error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	return yml.NewEncoder(os.Stdout).Encode(c)
}
