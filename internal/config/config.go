// Package config holds all the code that touches viper. Settings come from
// quadem.{yaml,toml,json} in /opt or the working directory, overridden by
// QUADEM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"sleepywoodpecker/quadem/internal/quadem"
)

const (
	FileName  = "quadem"
	EnvPrefix = "QUADEM"
)

type Config struct {
	Name           string
	RingBufferSize int
	Log            Log
	Device         Device
	Acquire        Acquire
	Stop           Stop
	HTTP           HTTP
	Publish        Publish
}

type Log struct {
	File  string
	Level string
}

// Device selects and locates the adapter. Type is one of soft, serial,
// ascii or fpga.
type Device struct {
	Type         string
	Simulate     bool
	Port         string
	Baud         int
	RawLog       string
	Addr         string
	ReadTimeout  time.Duration
	DevMem       string
	BaseAddr     int64
	IRQDevice    string
	PollInterval time.Duration
}

// Acquire holds the parameter values written to the driver at start-up.
// Start begins acquisition once they are applied.
type Acquire struct {
	Start          bool
	AveragingTime  float64
	SampleTime     float64
	AcquireMode    string
	NumAcquire     int
	NumChannels    int
	Geometry       string
	TriggerMode    int
	Range          int
	CurrentOffset  []float64
	CurrentScale   []float64
	PositionOffset []float64
	PositionScale  []float64
}

type Stop struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

type HTTP struct {
	Addr string
}

type Publish struct {
	CSVFile        string
	InfluxAddr     string
	SampleInterval time.Duration
	Measurement    string
}

// setDefaults registers a value for every key so mkconf can list them all.
func setDefaults(v *viper.Viper) {
	v.SetDefault("name", "quadEM")
	v.SetDefault("ringBufferSize", quadem.DefaultRingSize)

	v.SetDefault("log.file", "quadem.logs")
	v.SetDefault("log.level", "info")

	v.SetDefault("device.type", "soft")
	v.SetDefault("device.simulate", true)
	v.SetDefault("device.port", "/dev/ttyUSB0")
	v.SetDefault("device.baud", 460800)
	v.SetDefault("device.rawLog", "")
	v.SetDefault("device.addr", "192.168.0.10:10001")
	v.SetDefault("device.readTimeout", "100ms")
	v.SetDefault("device.devMem", "/dev/mem")
	v.SetDefault("device.baseAddr", 0x43C00000)
	v.SetDefault("device.irqDevice", "")
	v.SetDefault("device.pollInterval", "1ms")

	v.SetDefault("acquire.start", true)
	v.SetDefault("acquire.averagingTime", 0.1)
	v.SetDefault("acquire.sampleTime", 0.001)
	v.SetDefault("acquire.acquireMode", "continuous")
	v.SetDefault("acquire.numAcquire", 1)
	v.SetDefault("acquire.numChannels", quadem.NumCurrents)
	v.SetDefault("acquire.geometry", "diamond")
	v.SetDefault("acquire.triggerMode", quadem.TriggerFreeRun)
	v.SetDefault("acquire.range", 0)
	v.SetDefault("acquire.currentOffset", []float64{0, 0, 0, 0})
	v.SetDefault("acquire.currentScale", []float64{1, 1, 1, 1})
	v.SetDefault("acquire.positionOffset", []float64{0, 0})
	v.SetDefault("acquire.positionScale", []float64{1, 1})

	v.SetDefault("stop.pollInterval", quadem.DefaultStopPollInterval.String())
	v.SetDefault("stop.timeout", quadem.DefaultStopTimeout.String())

	v.SetDefault("http.addr", ":8000")

	v.SetDefault("publish.csvFile", "")
	v.SetDefault("publish.influxAddr", "")
	v.SetDefault("publish.sampleInterval", "100ms")
	v.SetDefault("publish.measurement", "quadem")
}

// New returns a viper instance with defaults and environment overrides but
// no file read yet.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, or searches /opt and . for quadem.* when path is empty.
// A missing searched-for file is not an error: defaults apply.
func Load(path string) (*viper.Viper, *Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath("/opt")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("[config] error loading config: %w", err)
		}
	}
	cfg, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return v, cfg, nil
}

// Decode unmarshals and validates the settings held by v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("[config] error decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the driver would refuse.
func (c *Config) Validate() error {
	if _, err := quadem.ParseGeometry(c.Acquire.Geometry); err != nil {
		return fmt.Errorf("[config] acquire.geometry: %w", err)
	}
	if _, err := quadem.ParseAcquireMode(c.Acquire.AcquireMode); err != nil {
		return fmt.Errorf("[config] acquire.acquireMode: %w", err)
	}
	if c.Acquire.NumChannels < 1 || c.Acquire.NumChannels > quadem.NumCurrents {
		return fmt.Errorf("[config] acquire.numChannels must be 1..%d, got %d", quadem.NumCurrents, c.Acquire.NumChannels)
	}
	switch strings.ToLower(c.Device.Type) {
	case "soft", "serial", "ascii", "fpga":
	default:
		return fmt.Errorf("[config] unknown device.type %q", c.Device.Type)
	}
	if c.RingBufferSize < 0 {
		return fmt.Errorf("[config] ringBufferSize must not be negative")
	}
	return nil
}

// WriteYAML dumps every setting v holds.
func WriteYAML(w io.Writer, v *viper.Viper) error {
	bs, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return fmt.Errorf("[config] unable to marshal config to YAML: %w", err)
	}
	_, err = w.Write(bs)
	return err
}
