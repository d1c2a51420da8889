// Package config loads, persists, and hot-reloads loomd's TOML
// configuration file (spec.md section 6). A missing file gets the
// defaults written to it; subsequent writes to the file are picked up
// and re-decoded, debounced to absorb editor save-as-rename sequences,
// and emitted on the Watcher's Changes channel. Nothing in this package
// forwards a reloaded Config to the control server's notifications.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// Config mirrors spec.md section 6's recognized keys exactly.
type Config struct {
	IP                   string  `toml:"ip"`
	Port                 int     `toml:"port"`
	AudioEngine          string  `toml:"audio_engine"`
	SampleRate           int     `toml:"sample_rate"`
	BlockSize            int     `toml:"block_size"`
	BufferSize           int     `toml:"buffer_size"`
	MaxAudioBuffers      int     `toml:"max_audio_buffers"`
	MaxVoices            int     `toml:"max_voices"`
	OutputDevice         *string `toml:"output_device,omitempty"`
	OSCPort              int     `toml:"osc_port"`
	OSCHost              string  `toml:"osc_host"`
	TimestampToleranceMs int     `toml:"timestamp_tolerance_ms"`
	AudioFilesLocation   string  `toml:"audio_files_location"`
	AudioPriority        bool    `toml:"audio_priority"`
	Relay                *string `toml:"relay,omitempty"`
	InstanceName         string  `toml:"instance_name"`
	RelayToken           *string `toml:"relay_token,omitempty"`
}

// Defaults returns the configuration written on first run, when no
// config file exists yet.
func Defaults() Config {
	return Config{
		IP:                   "127.0.0.1",
		Port:                 7070,
		AudioEngine:          "none",
		SampleRate:           48000,
		BlockSize:            256,
		BufferSize:           1024,
		MaxAudioBuffers:      32,
		MaxVoices:            64,
		OSCPort:              9000,
		OSCHost:              "127.0.0.1",
		TimestampToleranceMs: 5,
		AudioFilesLocation:   "",
		AudioPriority:        false,
		InstanceName:         "loom",
	}
}

// debounce absorbs the burst of fsnotify events a single logical save
// tends to generate (write-then-rename on some editors).
const debounce = 250 * time.Millisecond

// DefaultPath returns os.UserConfigDir()/loom/config.toml.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "loom", "config.toml"), nil
}

// Load reads the config at path, writing Defaults() first if the file
// does not exist yet.
func Load(path string) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		def := Defaults()
		if err := Save(path, def); err != nil {
			return Config{}, err
		}
		return def, nil
	}
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg to path as TOML, creating parent directories as
// needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// Watcher hot-reloads the config file at path and broadcasts the
// re-decoded Config on Changes after every debounced write.
type Watcher struct {
	path    string
	fsw     *fsnotify.Watcher
	changes chan Config
	errs    chan error
	done    chan struct{}
}

// NewWatcher starts watching path's containing directory (watching the
// directory rather than the file survives editors that replace the file
// via rename-over rather than in-place write).
func NewWatcher(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{
		path:    path,
		fsw:     fsw,
		changes: make(chan Config, 1),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Changes emits a freshly decoded Config after each debounced write to
// the watched file.
func (w *Watcher) Changes() <-chan Config { return w.changes }

// Errors emits decode/watch errors encountered while running.
func (w *Watcher) Errors() <-chan error { return w.errs }

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) run() {
	var timer *time.Timer
	pending := make(chan struct{}, 1)

	fire := func() {
		cfg, err := Load(w.path)
		if err != nil {
			select {
			case w.errs <- err:
			default:
			}
			return
		}
		select {
		case w.changes <- cfg:
		default:
			// Drop the oldest pending value rather than block the watcher goroutine.
			select {
			case <-w.changes:
			default:
			}
			w.changes <- cfg
		}
	}

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case <-pending:
			fire()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			default:
			}
		}
	}
}
