package config

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Live holds the two externally-reconfigurable knobs from section 6:
// HWM and SchemeName. Each value is stored and loaded atomically; the
// dispatcher calls HWM() and SchemeName() each time it needs them, so a
// reload from the watcher goroutine can take effect between two reads
// within one handler invocation.
type Live struct {
	hwm    int64
	scheme atomic.Value // string

	mu  sync.Mutex
	v   *viper.Viper
	log *zap.Logger
}

// NewLive seeds a Live config from the bootstrap Config and, if cfg.ConfigFile
// is set, loads it via viper and watches it with fsnotify for hot-reload.
func NewLive(cfg Config, log *zap.Logger) (*Live, error) {
	l := &Live{log: log}
	l.hwm = int64(cfg.HWM)
	l.scheme.Store(cfg.SchemeName)

	if cfg.ConfigFile == "" {
		return l, nil
	}

	v := viper.New()
	v.SetConfigFile(cfg.ConfigFile)
	v.SetDefault("hwm", cfg.HWM)
	v.SetDefault("scheme_name", cfg.SchemeName)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", cfg.ConfigFile, err)
	}
	l.v = v
	l.applyFromViper()

	v.OnConfigChange(func(_ fsnotify.Event) {
		l.applyFromViper()
	})
	v.WatchConfig()

	return l, nil
}

func (l *Live) applyFromViper() {
	l.mu.Lock()
	defer l.mu.Unlock()

	newHWM := l.v.GetInt("hwm")
	newScheme := l.v.GetString("scheme_name")

	if newHWM < 0 {
		if l.log != nil {
			l.log.Warn("config: ignoring negative hwm from reload", zap.Int("hwm", newHWM))
		}
		return
	}
	switch newScheme {
	case SchemeLeastLoad, SchemePure, SchemeLRU, SchemePlainRand, SchemeWeighted, SchemeTwoBin:
	default:
		if l.log != nil {
			l.log.Warn("config: ignoring unknown scheme_name from reload", zap.String("scheme_name", newScheme))
		}
		return
	}

	atomic.StoreInt64(&l.hwm, int64(newHWM))
	l.scheme.Store(newScheme)
	if l.log != nil {
		l.log.Info("config: reloaded", zap.Int("hwm", newHWM), zap.String("scheme_name", newScheme))
	}
}

// HWM returns the current high-water mark.
func (l *Live) HWM() int {
	return int(atomic.LoadInt64(&l.hwm))
}

// SchemeName returns the current load-policy selection.
func (l *Live) SchemeName() string {
	return l.scheme.Load().(string)
}
