package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/KevoDB/usf/pkg/common/log"
	"github.com/KevoDB/usf/pkg/config"
	"github.com/KevoDB/usf/pkg/crypt"
	"github.com/KevoDB/usf/pkg/engine"
	"github.com/KevoDB/usf/pkg/telemetry"
)

const usageText = `usf - universal storage format container tool

Usage:
  usf <command> [flags] <container> [args]

Commands:
  create  <file>                  Create an empty container
  store   <file> <key> <src|->    Store a file (or stdin) under key
  retrieve <file> <key>           Write the value of key to stdout or --output
  delete  <file> <key>            Delete key
  list    <file>                  List stored keys
  stat    <file> [key]            Describe the container or one key
  verify  <file>                  Read back every key and report damage
  compact <file>                  Rewrite the container without dead records
  shell   <file>                  Interactive shell

Global flags:
  --log-level string   debug, info, warn or error (default "warn")
  --key-file string    32-byte key material for encrypted containers
  --config string      JSON or YAML configuration file
  --telemetry          export metrics and traces (USF_TELEMETRY_* variables)

Run "usf <command> --help" for command flags.
`

// errUsage marks argument mistakes; main prints the usage text for them
var errUsage = errors.New("usage error")

func usageError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

func main() {
	a := &app{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
	if err := a.run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "usf: %v\n", err)
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, "\n"+usageText)
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// app carries the I/O streams and global flags shared by every command
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	logLevel   string
	keyFile    string
	configPath string
	telemetry  bool
}

type commandFunc func(a *app, args []string) error

var commands = map[string]commandFunc{
	"create":   (*app).create,
	"store":    (*app).store,
	"retrieve": (*app).retrieve,
	"delete":   (*app).delete,
	"list":     (*app).list,
	"stat":     (*app).stat,
	"verify":   (*app).verify,
	"compact":  (*app).compact,
	"shell":    (*app).shell,
}

func (a *app) run(args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	name := args[0]
	switch name {
	case "help", "-h", "--help":
		fmt.Fprint(a.stdout, usageText)
		return nil
	}

	cmd, ok := commands[name]
	if !ok {
		names := make([]string, 0, len(commands))
		for n := range commands {
			names = append(names, n)
		}
		sort.Strings(names)
		return usageError("unknown command %q (expected one of %s)", name, strings.Join(names, ", "))
	}
	return cmd(a, args[1:])
}

// flagSet returns a flag set for one command with the global flags added
func (a *app) flagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("usf "+name, pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	fs.StringVar(&a.logLevel, "log-level", "warn", "log level: debug, info, warn or error")
	fs.StringVar(&a.keyFile, "key-file", "", "file holding the 32-byte key of an encrypted container")
	fs.StringVar(&a.configPath, "config", "", "JSON or YAML configuration file")
	fs.BoolVar(&a.telemetry, "telemetry", false, "export metrics and traces, configured by USF_TELEMETRY_* variables")
	return fs
}

// parse parses args and checks the positional argument count. A help
// request is reported as pflag.ErrHelp so callers can return early.
func parse(fs *pflag.FlagSet, args []string, min, max int) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, usageError("%v", err)
	}
	rest := fs.Args()
	if len(rest) < min || (max >= 0 && len(rest) > max) {
		return nil, usageError("%s: wrong number of arguments", fs.Name())
	}
	return rest, nil
}

func (a *app) loadConfig() (*config.Config, error) {
	if a.configPath == "" {
		return config.NewDefaultConfig(), nil
	}
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", a.configPath, err)
	}
	return cfg, nil
}

func (a *app) loadKey() ([]byte, error) {
	if a.keyFile == "" {
		return nil, nil
	}
	f, err := os.Open(a.keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open key file: %w", err)
	}
	defer f.Close()
	return crypt.LoadKey(f)
}

// session is an open engine plus the resources that must be released with it
type session struct {
	*engine.Engine
	tel telemetry.Telemetry
}

func (s *session) Close() error {
	err := s.Engine.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := s.tel.Shutdown(ctx); terr != nil && err == nil {
		err = fmt.Errorf("failed to flush telemetry: %w", terr)
	}
	return err
}

// options builds the engine options from the global flags
func (a *app) options(cfg *config.Config) ([]engine.Option, telemetry.Telemetry, error) {
	level, err := log.ParseLevel(a.logLevel)
	if err != nil {
		return nil, nil, usageError("%v", err)
	}
	logger := log.NewStandardLogger(log.WithOutput(a.stderr), log.WithLevel(level))

	key, err := a.loadKey()
	if err != nil {
		return nil, nil, err
	}

	tel := telemetry.NewNoop()
	if a.telemetry {
		tcfg := telemetry.DefaultConfig()
		tcfg.LoadFromEnv()
		tcfg.Output = a.stderr
		if tel, err = telemetry.New(tcfg); err != nil {
			return nil, nil, err
		}
	}

	return []engine.Option{
		engine.WithConfig(cfg),
		engine.WithLogger(logger),
		engine.WithTelemetry(tel),
		engine.WithEncryptionKey(key),
	}, tel, nil
}

func (a *app) open(path string) (*session, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	opts, tel, err := a.options(cfg)
	if err != nil {
		return nil, err
	}
	e, err := engine.Open(path, opts...)
	if err != nil {
		tel.Shutdown(context.Background())
		return nil, err
	}
	return &session{Engine: e, tel: tel}, nil
}
