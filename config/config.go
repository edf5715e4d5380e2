// Package config loads the daemon configuration from yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/RabbitLabs/dvbsc/ci"
	"github.com/RabbitLabs/dvbsc/decsa"
	"github.com/RabbitLabs/dvbsc/device"
	"github.com/RabbitLabs/dvbsc/output"
)

const (
	DriverLinux   = "linux"
	DriverVirtual = "virtual"

	DefaultDvbRoot     = "/dev/dvb"
	DefaultAlgorithm   = "csa"
	DefaultDvbapi      = "127.0.0.1:9000"
	DefaultLogLevel    = "info"
	DefaultLogFile     = "dvbscd.log"
	DefaultLogMaxSize  = 10
	DefaultLogBackups  = 3
	DefaultLogMaxAgeDs = 28
)

var ErrInvalid = errors.New("config: invalid")

type SlotConfig struct {
	Name  string   `yaml:"name"`
	CAIDs []uint16 `yaml:"caids"`
}

type AdapterConfig struct {
	Adapter  int `yaml:"adapter"`
	Frontend int `yaml:"frontend"`
	// CA device number, -1 when the adapter has no ca device
	CA     int  `yaml:"ca"`
	FullTS bool `yaml:"fullts"`
	// software descrambling, enabled when not set
	SoftCSA *bool        `yaml:"softcsa,omitempty"`
	CI      []SlotConfig `yaml:"ci,omitempty"`
	// transport stream file played by the virtual driver
	Source string `yaml:"source,omitempty"`
	// channel number tuned at startup, 0 for none
	Channel int            `yaml:"channel,omitempty"`
	Live    bool           `yaml:"live,omitempty"`
	Output  *output.Config `yaml:"output,omitempty"`
}

type DvbapiConfig struct {
	Listen string `yaml:"listen"`
	// udp or tcp
	Network       string `yaml:"network"`
	AdapterOffset int    `yaml:"adapteroffset"`
}

type StatusConfig struct {
	// empty disables the status API
	Listen string `yaml:"listen"`
	// announce the status server with SSDP
	UPnP bool `yaml:"upnp"`
}

type LogConfig struct {
	FileLogging bool   `yaml:"filelogging"`
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	MaxSize     int    `yaml:"maxsize"`
	MaxBackups  int    `yaml:"maxbackups"`
	MaxAge      int    `yaml:"maxage"`
	Compress    bool   `yaml:"compress"`
}

type Config struct {
	Name           string        `yaml:"name"`
	DvbRoot        string        `yaml:"dvbroot"`
	Driver         string        `yaml:"driver"`
	ForceBudget    []int         `yaml:"forcebudget,omitempty"`
	BufferPackets  int           `yaml:"bufferpackets"`
	ReadTimeout    time.Duration `yaml:"readtimeout"`
	MaxReadErrors  int           `yaml:"maxreaderrors"`
	Algorithm      string        `yaml:"algorithm"`
	PreferSoftware bool          `yaml:"prefersoftware"`

	Adapters []AdapterConfig        `yaml:"adapters"`
	Channels map[int]device.Channel `yaml:"channels"`

	Dvbapi DvbapiConfig `yaml:"dvbapi"`
	Status StatusConfig `yaml:"status"`
	Log    LogConfig    `yaml:"log"`
}

func (config *Config) ReadConfig(configFileName string) error {
	source, err := os.ReadFile(configFileName)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(source, config); err != nil {
		return fmt.Errorf("%s: %w", configFileName, err)
	}

	config.SetDefaults()
	return config.Validate()
}

func (config *Config) WriteConfig(configFileName string) error {
	out, err := yaml.Marshal(config)
	if err != nil {
		return err
	}

	return os.WriteFile(configFileName, out, 0o666)
}

// SetDefaults fills in every unset value.
func (config *Config) SetDefaults() {
	if config.Name == "" {
		config.Name = "dvbscd"
	}
	if config.DvbRoot == "" {
		config.DvbRoot = DefaultDvbRoot
	}
	if config.Driver == "" {
		config.Driver = DriverLinux
	}
	if config.BufferPackets <= 0 {
		config.BufferPackets = device.DefaultBufferPackets
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = device.DefaultReadTimeout
	}
	if config.MaxReadErrors <= 0 {
		config.MaxReadErrors = device.DefaultMaxReadErrors
	}
	if config.Algorithm == "" {
		config.Algorithm = DefaultAlgorithm
	}
	if config.Dvbapi.Listen == "" {
		config.Dvbapi.Listen = DefaultDvbapi
	}
	if config.Dvbapi.Network == "" {
		config.Dvbapi.Network = "udp"
	}
	if config.Log.Level == "" {
		config.Log.Level = DefaultLogLevel
	}
	if config.Log.File == "" {
		config.Log.File = DefaultLogFile
	}
	if config.Log.MaxSize <= 0 {
		config.Log.MaxSize = DefaultLogMaxSize
	}
	if config.Log.MaxBackups <= 0 {
		config.Log.MaxBackups = DefaultLogBackups
	}
	if config.Log.MaxAge <= 0 {
		config.Log.MaxAge = DefaultLogMaxAgeDs
	}

	for number, ch := range config.Channels {
		if ch.Number == 0 {
			ch.Number = number
			config.Channels[number] = ch
		}
	}
}

func (config *Config) Validate() error {
	if config.Driver != DriverLinux && config.Driver != DriverVirtual {
		return fmt.Errorf("%w: unknown driver %q", ErrInvalid, config.Driver)
	}
	if _, err := decsa.AlgorithmByName(config.Algorithm); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if _, err := config.Budget(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if _, err := zapcore.ParseLevel(config.Log.Level); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if config.Dvbapi.Network != "udp" && config.Dvbapi.Network != "tcp" {
		return fmt.Errorf("%w: dvbapi network must be udp or tcp, got %q", ErrInvalid, config.Dvbapi.Network)
	}
	if len(config.Adapters) == 0 {
		return fmt.Errorf("%w: no adapters", ErrInvalid)
	}

	seen := make(map[int]bool)
	for _, a := range config.Adapters {
		if a.Adapter < 0 || a.Adapter >= device.MaxDevices {
			return fmt.Errorf("%w: adapter %d out of range", ErrInvalid, a.Adapter)
		}
		if seen[a.Adapter] {
			return fmt.Errorf("%w: adapter %d configured twice", ErrInvalid, a.Adapter)
		}
		seen[a.Adapter] = true

		if a.Channel != 0 {
			if _, ok := config.Channels[a.Channel]; !ok {
				return fmt.Errorf("%w: adapter %d tunes unknown channel %d", ErrInvalid, a.Adapter, a.Channel)
			}
		}
		if config.Driver == DriverVirtual && a.Source == "" {
			return fmt.Errorf("%w: adapter %d needs a source for the virtual driver", ErrInvalid, a.Adapter)
		}
	}
	return nil
}

func (config *Config) LogLevel() zapcore.Level {
	level, err := zapcore.ParseLevel(config.Log.Level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// Budget is the set of adapters forced into budget mode.
func (config *Config) Budget() (device.Budget, error) {
	return device.NewBudget(config.ForceBudget...)
}

// DeviceConfigs builds one device configuration per adapter. Adapters with
// CI slots get a slot per entry, each holding a module for the listed
// CA system ids.
func (config *Config) DeviceConfigs() ([]device.Config, error) {
	algo, err := decsa.AlgorithmByName(config.Algorithm)
	if err != nil {
		return nil, err
	}

	configs := make([]device.Config, 0, len(config.Adapters))
	for _, a := range config.Adapters {
		softcsa := true
		if a.SoftCSA != nil {
			softcsa = *a.SoftCSA
		}

		configs = append(configs, device.Config{
			Adapter:        a.Adapter,
			Frontend:       a.Frontend,
			CA:             a.CA,
			FullTS:         a.FullTS,
			SoftCSA:        softcsa,
			PreferSoftware: config.PreferSoftware,
			BufferPackets:  config.BufferPackets,
			ReadTimeout:    config.ReadTimeout,
			MaxReadErrors:  config.MaxReadErrors,
			Algorithm:      algo,
			CI:             a.adapter(),
		})
	}
	return configs, nil
}

func (a AdapterConfig) adapter() ci.Adapter {
	if len(a.CI) == 0 {
		return nil
	}

	slots := make([]*ci.Slot, 0, len(a.CI))
	for i, s := range a.CI {
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("adapter%d/ci%d", a.Adapter, i)
		}
		var module ci.Module
		if len(s.CAIDs) > 0 {
			module = ci.NewStaticModule(s.CAIDs...)
		}
		slots = append(slots, ci.NewSlot(name, module))
	}
	if len(slots) == 1 {
		return slots[0]
	}
	return ci.NewMultiSlot(fmt.Sprintf("adapter%d/ci", a.Adapter), slots...)
}

// SortedChannels lists the channels by number.
func (config *Config) SortedChannels() []device.Channel {
	channels := make([]device.Channel, 0, len(config.Channels))
	for _, ch := range config.Channels {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].Number < channels[j].Number })
	return channels
}
