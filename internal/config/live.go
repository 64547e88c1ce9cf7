package config

import (
	"fmt"
	"sync/atomic"
)

// Live holds the active Config for components that must observe hot reloads.
// Reads are lock-free. A failed reload leaves the previous config in place.
type Live struct {
	cur atomic.Pointer[Config]
}

func NewLive(cfg Config) *Live {
	l := &Live{}
	l.cur.Store(&cfg)
	return l
}

// Get returns a copy of the active config.
func (l *Live) Get() Config {
	return *l.cur.Load()
}

// Set replaces the active config.
func (l *Live) Set(cfg Config) {
	l.cur.Store(&cfg)
}

// Reload re-reads config.yaml from the active home directory. On error the
// previous config stays active and the error is returned.
func (l *Live) Reload() (Config, error) {
	prev := l.Get()
	next, err := LoadFrom(prev.HomeDir)
	if err != nil {
		return prev, fmt.Errorf("reload config: %w", err)
	}
	l.Set(next)
	return next, nil
}
