package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/sliverarmory/memkit"
	"github.com/sliverarmory/memkit/memop"
)

var ErrInvalid = errors.New("config: invalid configuration")

// Config drives a memkit session.
type Config struct {
	Target Target `yaml:"target"`
	// Backend is "syscall" (process_vm_readv) or "procmem" (/proc/<pid>/mem).
	Backend string `yaml:"backend"`
	// Patching opens a /proc/<pid>/mem port for patches and dumps.
	Patching      bool          `yaml:"patching"`
	DefaultCaller DefaultCaller `yaml:"default_caller"`
	// AutoRestore puts the registers back after every remote call.
	AutoRestore bool `yaml:"auto_restore"`
	Log         Log  `yaml:"log"`
}

// Target selects the process, by pid or by name.
type Target struct {
	PID     int    `yaml:"pid"`
	Process string `yaml:"process"`
}

// DefaultCaller is the return address used by remote calls, given as a
// number or as the library whose base is used.
type DefaultCaller struct {
	Address string `yaml:"address"`
	Library string `yaml:"library"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	return Config{
		Backend:     memop.BackendSyscall.String(),
		Patching:    true,
		AutoRestore: true,
		Log: Log{
			Level:  logrus.InfoLevel.String(),
			Format: "text",
		},
	}
}

// Load reads a YAML file on top of Defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Defaults. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Defaults()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate ensures the config is usable. A missing target is allowed.
func (c Config) Validate() error {
	if c.Target.PID < 0 {
		return fmt.Errorf("%w: target pid %d", ErrInvalid, c.Target.PID)
	}
	if c.Target.PID != 0 && c.Target.Process != "" {
		return fmt.Errorf("%w: target pid and process are exclusive", ErrInvalid)
	}
	if _, err := memop.ParseBackend(c.Backend); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := c.CallerAddress(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log level: %v", ErrInvalid, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// CallerAddress parses default_caller.address; empty means zero.
func (c Config) CallerAddress() (uintptr, error) {
	if c.DefaultCaller.Address == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(c.DefaultCaller.Address, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: default caller address: %v", ErrInvalid, err)
	}
	return uintptr(v), nil
}

// SessionOptions converts the config to memkit options.
func (c Config) SessionOptions(log logrus.FieldLogger) (memkit.Options, error) {
	if err := c.Validate(); err != nil {
		return memkit.Options{}, err
	}
	backend, _ := memop.ParseBackend(c.Backend)
	caller, _ := c.CallerAddress()
	return memkit.Options{
		Backend:              backend,
		EnablePatching:       c.Patching,
		DefaultCaller:        caller,
		DefaultCallerLibrary: c.DefaultCaller.Library,
		DisableAutoRestore:   !c.AutoRestore,
		Log:                  log,
	}, nil
}
