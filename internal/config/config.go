// Package config loads the optional offsync YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/cybertec-postgresql/offsync/internal/model"
	"github.com/cybertec-postgresql/offsync/internal/queue"
	"github.com/cybertec-postgresql/offsync/internal/resolver"
)

// File is the content of the configuration file. Every key can also be set
// through an OFFSYNC_ prefixed environment variable.
type File struct {
	LogLevel       string            `mapstructure:"log_level"`
	Strategy       string            `mapstructure:"strategy"`
	CreateStrategy string            `mapstructure:"create_strategy"`
	Strategies     map[string]string `mapstructure:"strategies"`
	Priorities     map[string]int32  `mapstructure:"priorities"`
	Compaction     string            `mapstructure:"compaction"`
	ProbeInterval  time.Duration     `mapstructure:"probe_interval"`
	SyncSchedule   string            `mapstructure:"sync_schedule"`
}

// Defaults returns the configuration used when no file is given
func Defaults() File {
	return File{
		Strategy:       string(resolver.LastWriteWins),
		CreateStrategy: string(resolver.RemoteWins),
		Compaction:     string(queue.PolicyNone),
		ProbeInterval:  5 * time.Second,
	}
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	d := Defaults()
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("strategy", d.Strategy)
	v.SetDefault("create_strategy", d.CreateStrategy)
	v.SetDefault("compaction", d.Compaction)
	v.SetDefault("probe_interval", d.ProbeInterval)
	v.SetDefault("sync_schedule", d.SyncSchedule)
	v.SetEnvPrefix("OFFSYNC")
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}
	return v
}

// Loader reads the file and notifies about changes
type Loader struct {
	v *viper.Viper
}

// Load reads path; an empty path yields the defaults overlaid with the
// environment
func Load(path string) (*Loader, File, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, File{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	l := &Loader{v: v}
	f, err := l.decode()
	if err != nil {
		return nil, File{}, err
	}
	return l, f, nil
}

func (l *Loader) decode() (File, error) {
	var f File
	if err := l.v.Unmarshal(&f); err != nil {
		return File{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Watch calls onChange with every valid new version of the file. Invalid
// edits are logged and ignored.
func (l *Loader) Watch(onChange func(File)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		f, err := l.decode()
		if err != nil {
			logrus.WithError(err).WithField("file", e.Name).Warn("Ignoring invalid config change")
			return
		}
		logrus.WithField("file", e.Name).Info("Config file reloaded")
		onChange(f)
	})
	l.v.WatchConfig()
}

// Validate checks every name in the file
func (f File) Validate() error {
	var errs []error
	if _, err := resolver.ParseStrategy(f.Strategy); err != nil {
		errs = append(errs, err)
	}
	if _, err := resolver.ParseStrategy(f.CreateStrategy); err != nil {
		errs = append(errs, fmt.Errorf("create_strategy: %w", err))
	}
	for typ, s := range f.Strategies {
		if _, err := model.ParseEntityType(typ); err != nil {
			errs = append(errs, fmt.Errorf("strategies: %w", err))
		}
		if _, err := resolver.ParseStrategy(s); err != nil {
			errs = append(errs, fmt.Errorf("strategies.%s: %w", typ, err))
		}
	}
	for typ := range f.Priorities {
		if _, err := model.ParseEntityType(typ); err != nil {
			errs = append(errs, fmt.Errorf("priorities: %w", err))
		}
	}
	if _, err := queue.ParsePolicy(f.Compaction); err != nil {
		errs = append(errs, err)
	}
	if f.ProbeInterval < 0 {
		errs = append(errs, errors.New("probe_interval must not be negative"))
	}
	return errors.Join(errs...)
}

// Resolver builds the resolver described by the file
func (f File) Resolver() *resolver.Resolver {
	r := resolver.New()
	if s, err := resolver.ParseStrategy(f.Strategy); err == nil {
		r.Default = s
	}
	if s, err := resolver.ParseStrategy(f.CreateStrategy); err == nil {
		r.CreateStrategy = s
	}
	for typ, name := range f.Strategies {
		t, err := model.ParseEntityType(typ)
		if err != nil {
			continue
		}
		if s, err := resolver.ParseStrategy(name); err == nil {
			r.PerType[t] = s
		}
	}
	return r
}

// Policy returns the compaction policy, none when unset
func (f File) Policy() queue.Policy {
	p, _ := queue.ParsePolicy(f.Compaction)
	return p
}

// Priority returns the configured queue priority of t, falling back to the
// kind default
func (f File) Priority(t model.EntityType) int32 {
	if p, ok := f.Priorities[string(t)]; ok {
		return p
	}
	if kind, err := model.KindOf(t); err == nil {
		return kind.DefaultPriority()
	}
	return 0
}
