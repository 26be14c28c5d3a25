package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sliverarmory/memkit"
	"github.com/sliverarmory/memkit/config"
)

type globalFlags struct {
	configPath    string
	pid           int
	process       string
	backend       string
	patching      bool
	callerAddress string
	callerLibrary string
	autoRestore   bool
	logLevel      string
	logFormat     string
}

// app carries the resolved configuration from the root command to its
// subcommands.
type app struct {
	flags globalFlags
	cfg   config.Config
	log   *logrus.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:          "memkit",
		Short:        "Inspect and control the memory of a running process",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Flags(), cmd.ErrOrStderr())
		},
	}
	a.bindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newMapsCmd(a),
		newReadCmd(a),
		newWriteCmd(a),
		newELFCmd(a),
		newSymbolCmd(a),
		newScanCmd(a),
		newCallCmd(a),
		newDumpCmd(a),
	)
	return rootCmd
}

func (a *app) bindFlags(flags *pflag.FlagSet) {
	defaults := config.Defaults()
	flags.StringVar(&a.flags.configPath, "config", "", "YAML configuration file")
	flags.IntVarP(&a.flags.pid, "pid", "p", 0, "Target process id")
	flags.StringVarP(&a.flags.process, "process", "n", "", "Target process name")
	flags.StringVar(&a.flags.backend, "backend", defaults.Backend, "Memory backend: syscall or procmem")
	flags.BoolVar(&a.flags.patching, "patching", defaults.Patching, "Open /proc/<pid>/mem for patches and dumps")
	flags.StringVar(&a.flags.callerAddress, "default-caller", "", "Return address for remote calls")
	flags.StringVar(&a.flags.callerLibrary, "default-caller-library", "", "Use the base of this library as return address for remote calls")
	flags.BoolVar(&a.flags.autoRestore, "auto-restore", defaults.AutoRestore, "Restore registers after each remote call")
	flags.StringVar(&a.flags.logLevel, "log-level", defaults.Log.Level, "Log level")
	flags.StringVar(&a.flags.logFormat, "log-format", defaults.Log.Format, "Log format: text or json")
}

// setup loads the config file and lets explicitly set flags override it.
func (a *app) setup(flags *pflag.FlagSet, stderr io.Writer) error {
	cfg := config.Defaults()
	if a.flags.configPath != "" {
		loaded, err := config.Load(a.flags.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if flags.Changed("pid") {
		cfg.Target = config.Target{PID: a.flags.pid}
	}
	if flags.Changed("process") {
		cfg.Target = config.Target{Process: a.flags.process}
	}
	if flags.Changed("backend") {
		cfg.Backend = a.flags.backend
	}
	if flags.Changed("patching") {
		cfg.Patching = a.flags.patching
	}
	if flags.Changed("default-caller") {
		cfg.DefaultCaller.Address = a.flags.callerAddress
	}
	if flags.Changed("default-caller-library") {
		cfg.DefaultCaller.Library = a.flags.callerLibrary
	}
	if flags.Changed("auto-restore") {
		cfg.AutoRestore = a.flags.autoRestore
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = a.flags.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = a.flags.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.cfg = cfg
	a.log = newLogger(cfg.Log, stderr)
	return nil
}

// newLogger writes colored text only when out is a terminal.
func newLogger(cfg config.Log, out io.Writer) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
		log.SetOutput(out)
		return log
	}

	tty := false
	if f, ok := out.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		if tty {
			out = colorable.NewColorable(f)
		}
	}
	log.SetFormatter(&logrus.TextFormatter{
		ForceColors:   tty,
		DisableColors: !tty,
		FullTimestamp: true,
	})
	log.SetOutput(out)
	return log
}

// openSession opens the configured target.
func (a *app) openSession() (*memkit.Session, error) {
	opts, err := a.cfg.SessionOptions(a.log)
	if err != nil {
		return nil, err
	}
	switch {
	case a.cfg.Target.PID > 0:
		return memkit.Open(a.cfg.Target.PID, opts)
	case a.cfg.Target.Process != "":
		return memkit.OpenByName(a.cfg.Target.Process, opts)
	default:
		return nil, fmt.Errorf("no target: use --pid, --process or target in --config")
	}
}

func parseAddress(s string) (uintptr, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return uintptr(v), nil
}
