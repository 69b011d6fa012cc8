/*Package config loads this daemon's settings from layered sources: a
koanf instance seeded with defaults, an optional YAML file, then
environment overrides, unmarshaled into a single struct. The file is
also watched and hot-reloaded; a malformed file on reload is logged
and discarded rather than applied.
*/
package config

import (
	"log"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
)

// FileName is the config file looked for in the working directory.
const FileName = "adbd.yml"

// envPrefix namespaces environment overrides, e.g. ADBD_STATUS_ADDR.
const envPrefix = "ADBD_"

// Config holds every tunable of the daemon.
type Config struct {
	Banner       string        `koanf:"banner"`
	Serial       string        `koanf:"serial"`
	DefaultShell string        `koanf:"defaultshell"`
	IdleTick     time.Duration `koanf:"idletick"`
	ConnectRetry time.Duration `koanf:"connectretry"`
	TraceRateHz  float64       `koanf:"traceratehz"`
	StatusAddr   string        `koanf:"statusaddr"`
	LogLevel     string        `koanf:"loglevel"`
}

// Defaults are the values used before any file or environment layer is
// applied.
func Defaults() Config {
	return Config{
		Banner:       "ro.product.name=gadget",
		Serial:       "",
		DefaultShell: "sh",
		IdleTick:     100 * time.Millisecond,
		ConnectRetry: time.Second,
		TraceRateHz:  50,
		StatusAddr:   "",
		LogLevel:     "info",
	}
}

func load() (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Config{}, err
	}
	if err := k.Load(file.Provider(FileName), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such file") {
			return Config{}, err
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", "")
	}), nil); err != nil {
		return Config{}, err
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load loads the initial configuration. Unlike reloads, a malformed
// adbd.yml here is fatal: the caller is expected to log.Fatal on error.
func Load() (Config, error) {
	return load()
}

// Live wraps a Config behind an atomic pointer, kept current by Watch.
// Readers call Get; there is no lock to contend.
type Live struct {
	p atomic.Pointer[Config]
}

// NewLive wraps an initial Config for hot-reload.
func NewLive(initial Config) *Live {
	l := &Live{}
	l.p.Store(&initial)
	return l
}

// Get returns the most recently applied configuration.
func (l *Live) Get() Config {
	return *l.p.Load()
}

// Watch reloads the config file on every write event, swapping it into
// place atomically. A reload that fails to parse is logged and the
// previous configuration is kept; Watch itself only returns on a fatal
// watcher-setup error, never because a reload failed.
func (l *Live) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add("."); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != FileName || ev.Op&fsnotify.Write == 0 {
					continue
				}
				c, err := load()
				if err != nil {
					log.Printf("config: reload of %s failed, keeping previous config: %v", FileName, err)
					continue
				}
				l.p.Store(&c)
				log.Printf("config: reloaded %s", FileName)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("config: watcher error: %v", err)
			}
		}
	}()
	return nil
}
