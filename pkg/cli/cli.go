// Package cli parses loomd's command-line flags, with environment
// variable fallback for anything not given on the command line.
package cli

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Config holds the fully resolved startup configuration for loomd.
type Config struct {
	ConfigPath  string // path to config.toml; empty means use the OS default
	ControlAddr string // TCP address the control server listens on
	LogLevel    string // debug, info, warn, error
	LoggerMode  string // standalone, embedded, network, dual
	Headless    bool   // suppress any interactive terminal UI
	RealtimeOpt bool   // attempt to raise the scheduler thread's scheduling priority
	ShowHelp    bool
}

// ParseArgs parses args (normally os.Args[1:]) into a Config, falling
// back to environment variables for anything left at its flag default.
func ParseArgs(args []string) (*Config, error) {
	reordered := reorderArgs(args)

	fs := flag.NewFlagSet("loomd", flag.ContinueOnError)
	cfg := &Config{}

	fs.StringVar(&cfg.ConfigPath, "config", "", "path to config.toml (default: OS user config dir)")
	fs.StringVar(&cfg.ConfigPath, "c", "", "path to config.toml (shorthand)")
	fs.StringVar(&cfg.ControlAddr, "control-addr", "127.0.0.1:7070", "TCP address for the control server")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogLevel, "l", "info", "log level (shorthand)")
	fs.StringVar(&cfg.LoggerMode, "logger-mode", "standalone", "logger mode: standalone, embedded, network, dual")
	fs.BoolVar(&cfg.Headless, "headless", false, "suppress interactive terminal UI")
	fs.BoolVar(&cfg.RealtimeOpt, "realtime", true, "attempt to raise the scheduler thread's scheduling priority")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "show help")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "show help (shorthand)")

	if err := fs.Parse(reordered); err != nil {
		return nil, err
	}

	if cfg.ConfigPath == "" {
		if v := os.Getenv("LOOM_CONFIG"); v != "" {
			cfg.ConfigPath = v
		}
	}
	if cfg.ControlAddr == "127.0.0.1:7070" {
		if v := os.Getenv("LOOM_CONTROL_ADDR"); v != "" {
			cfg.ControlAddr = v
		}
	}
	if cfg.LogLevel == "info" {
		if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
			cfg.LogLevel = strings.ToLower(v)
		}
	}
	if cfg.LoggerMode == "standalone" {
		if v := os.Getenv("LOOM_LOGGER_MODE"); v != "" {
			cfg.LoggerMode = strings.ToLower(v)
		}
	}
	if !cfg.Headless {
		if v := os.Getenv("LOOM_HEADLESS"); v != "" {
			cfg.Headless = v == "1" || strings.ToLower(v) == "true"
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.LogLevel] {
		return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", cfg.LogLevel)
	}

	validModes := map[string]bool{"standalone": true, "embedded": true, "network": true, "dual": true}
	if !validModes[cfg.LoggerMode] {
		return nil, fmt.Errorf("invalid logger mode: %s (must be standalone, embedded, network, or dual)", cfg.LoggerMode)
	}

	return cfg, nil
}

// reorderArgs moves flags ahead of any positional arguments so
// flag.FlagSet.Parse (which stops at the first non-flag) sees every flag
// regardless of where the user placed it.
func reorderArgs(args []string) []string {
	var flags []string
	var positional []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if len(arg) > 0 && arg[0] == '-' {
			flags = append(flags, arg)
			if i+1 < len(args) && len(args[i+1]) > 0 && args[i+1][0] != '-' {
				if arg != "-h" && arg != "--help" && arg != "--headless" {
					i++
					flags = append(flags, args[i])
				}
			}
		} else {
			positional = append(positional, arg)
		}
	}

	return append(flags, positional...)
}

// PrintHelp writes usage information to stdout.
func PrintHelp() {
	fmt.Fprintf(os.Stdout, `loomd - live-coding performance engine daemon

Usage:
  loomd [options]

Options:
  -c, --config <path>        path to config.toml (default: OS user config dir)
      --control-addr <addr>  TCP address for the control server (default 127.0.0.1:7070)
  -l, --log-level <level>    log level: debug, info, warn, error (default info)
      --logger-mode <mode>   logger mode: standalone, embedded, network, dual
      --headless             suppress interactive terminal UI
      --realtime             attempt to raise the scheduler thread's scheduling priority (default true)
  -h, --help                 show this help

Environment Variables:
  LOOM_CONFIG          path to config.toml
  LOOM_CONTROL_ADDR    control server address
  LOOM_LOG_LEVEL       log level
  LOOM_LOGGER_MODE     logger mode
  LOOM_HEADLESS=1      suppress interactive terminal UI

Examples:
  loomd --control-addr 0.0.0.0:7070
  loomd --log-level debug --logger-mode dual
  LOOM_HEADLESS=1 loomd
`)
}
