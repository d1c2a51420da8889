// Command loomd runs the live-coding performance engine daemon: it wires
// the Clock, Scene, Interpreter Registry, Device Map, Dispatcher,
// Scheduler, control server, and logger together and drives the
// Scheduler's realtime loop until a Quit control message or signal
// arrives.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/loomtide/loom/pkg/cli"
	"github.com/loomtide/loom/pkg/clock"
	"github.com/loomtide/loom/pkg/clock/peerlink"
	"github.com/loomtide/loom/pkg/compilers/dummy"
	"github.com/loomtide/loom/pkg/config"
	"github.com/loomtide/loom/pkg/control"
	"github.com/loomtide/loom/pkg/devicemap"
	"github.com/loomtide/loom/pkg/dispatcher"
	"github.com/loomtide/loom/pkg/interpreter"
	"github.com/loomtide/loom/pkg/logger"
	"github.com/loomtide/loom/pkg/realtime"
	"github.com/loomtide/loom/pkg/scene"
	"github.com/loomtide/loom/pkg/scheduler"
	"github.com/loomtide/loom/pkg/vm"
)

// Exit codes (spec.md section 6).
const (
	exitClean            = 0
	exitBindFailure      = 1
	exitConfigError      = 2
	exitSchedulerPanic   = 3
	exitDispatcherClosed = 4
)

// peerlinkPort is the UDP port sibling loom instances advertise and
// gossip tempo/quantum over; distinct from the OSC output port so the
// two never race for the same socket.
const peerlinkPort = 7072

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := cli.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	if cfg.ShowHelp {
		cli.PrintHelp()
		return exitClean
	}

	log := logger.New(loggerModeFromString(cfg.LoggerMode), 256, nil)
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	logger.SetGlobal(log)

	configPath := cfg.ConfigPath
	if configPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			log.Error("could not determine default config path", map[string]any{"err": err.Error()})
			return exitConfigError
		}
		configPath = p
	}
	appCfg, err := config.Load(configPath)
	if err != nil {
		log.Error("failed to load config", map[string]any{"path": configPath, "err": err.Error()})
		return exitConfigError
	}

	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		log.Warn("could not start config watcher, hot-reload disabled", map[string]any{"err": err.Error()})
	} else {
		defer watcher.Close()
		go watchConfig(watcher, log)
	}

	clk := clock.New(120, 4)
	if appCfg.InstanceName != "" {
		peer := peerlink.New(appCfg.InstanceName, peerlinkPort, slog.Default())
		if err := peer.Start(); err != nil {
			log.Warn("peer session discovery unavailable", map[string]any{"err": err.Error()})
		} else {
			clk.AttachPeerSession(peer)
			defer peer.Close()
		}
	}

	reg := interpreter.Global()
	reg.Register(&dummy.Factory{Builtins: vm.NewBuiltins(), Clock: clk})

	rtLister, rtErr := devicemap.NewRtMIDILister()
	var dev *devicemap.Map
	if rtErr != nil {
		log.Warn("MIDI driver unavailable, running with virtual devices only", map[string]any{"err": rtErr.Error()})
		dev = devicemap.New(nil, appCfg.OSCHost, appCfg.OSCPort)
	} else {
		dev = devicemap.New(rtLister, appCfg.OSCHost, appCfg.OSCPort)
	}
	if err := dev.RefreshSystemPorts(); err != nil {
		log.Warn("failed to enumerate system MIDI ports", map[string]any{"err": err.Error()})
	}

	disp := dispatcher.New(dev, clk, slog.Default())
	disp.SetGraceMicros(int64(appCfg.TimestampToleranceMs) * 1000)
	dispatcherDone := make(chan struct{})
	go func() { disp.Run(); close(dispatcherDone) }()
	stoppingDispatcher := false
	defer func() {
		stoppingDispatcher = true
		disp.Stop()
	}()

	sc := scene.New()
	sched := scheduler.New(sc, clk, reg, dev, disp, slog.Default())

	srv := control.New(cfg.ControlAddr, sched, log)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()
	defer srv.Close()

	stop := make(chan struct{})
	schedDone := make(chan struct{})
	go func() {
		runSchedulerLoop(sched, stop, appCfg.AudioPriority || cfg.RealtimeOpt)
		close(schedDone)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			log.Error("control server failed", map[string]any{"err": err.Error()})
			close(stop)
			return exitBindFailure
		}
	case <-dispatcherDone:
		if !stoppingDispatcher {
			log.Error("dispatcher stopped unexpectedly", nil)
			close(stop)
			return exitDispatcherClosed
		}
	case <-schedDone:
		log.Info("scheduler stopped after Quit", nil)
	case <-sig:
		log.Info("shutting down on signal", nil)
		close(stop)
	}

	return exitClean
}

// runSchedulerLoop pins the calling OS thread and runs the scheduler's
// loop to completion, recovering a panic into a logged fatal exit
// instead of crashing the process silently.
func runSchedulerLoop(sched *scheduler.Scheduler, stop <-chan struct{}, realtimeWanted bool) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if realtimeWanted {
		realtime.PinCurrentThread(slog.Default())
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Default().Error("scheduler panicked, exiting", "recovered", r)
			os.Exit(exitSchedulerPanic)
		}
	}()

	sched.Run(stop)
}

func watchConfig(w *config.Watcher, log *logger.Logger) {
	for {
		select {
		case cfg, ok := <-w.Changes():
			if !ok {
				return
			}
			log.Info("config reloaded", map[string]any{"instance_name": cfg.InstanceName})
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			log.Warn("config watch error", map[string]any{"err": err.Error()})
		}
	}
}

func loggerModeFromString(s string) logger.Mode {
	switch s {
	case "embedded":
		return logger.Embedded
	case "network":
		return logger.Network
	case "dual":
		return logger.Dual
	default:
		return logger.Standalone
	}
}
