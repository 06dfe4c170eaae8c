package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Lewis0770/reorganization-sub005/flow"
)

// Settings holds the runtime configuration of one calcflow invocation.
type Settings struct {
	Store struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
		Prefix string `mapstructure:"prefix"`
	} `mapstructure:"store"`
	// Workflows is the path of the workflow definition file. Empty uses the
	// built-in workflows.
	Workflows string               `mapstructure:"workflows"`
	Admission flow.AdmissionLimits `mapstructure:"admission"`
	Log       struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Submit struct {
		// Command is run once per admitted calculation. Its first output
		// line is the scheduler job id.
		Command []string      `mapstructure:"command"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"submit"`
	Status struct {
		// Command prints the scheduler-side status of one calculation.
		Command []string      `mapstructure:"command"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"status"`
	Watch struct {
		Schedule     string        `mapstructure:"schedule"`
		InitialDelay time.Duration `mapstructure:"initial_delay"`
		Timeout      time.Duration `mapstructure:"timeout"`
		MaxRetries   int           `mapstructure:"max_retries"`
	} `mapstructure:"watch"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "calcflow.db")
	v.SetDefault("store.prefix", "calcflow")
	v.SetDefault("admission.max_total_inflight", 200)
	v.SetDefault("admission.reserved_headroom", 10)
	v.SetDefault("admission.max_new_this_call", 50)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("submit.timeout", time.Minute)
	v.SetDefault("status.timeout", 30*time.Second)
	v.SetDefault("watch.schedule", "@every 5m")
	v.SetDefault("watch.initial_delay", 0)
	v.SetDefault("watch.timeout", 10*time.Minute)
	v.SetDefault("watch.max_retries", 2)
}

// LoadSettings reads calcflow.yaml from the working directory or ./config
// (or the explicit file), then applies CALCFLOW_* environment overrides. A
// missing default file is not an error.
func LoadSettings(file string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("calcflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("CALCFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read settings: %w", err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	settings.Store.Driver = strings.ToLower(strings.TrimSpace(settings.Store.Driver))
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

// Validate rejects settings no command could run with.
func (s *Settings) Validate() error {
	switch s.Store.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", s.Store.Driver)
	}
	if s.Store.Driver != "memory" && strings.TrimSpace(s.Store.DSN) == "" {
		return fmt.Errorf("store.dsn is required for driver %s", s.Store.Driver)
	}
	a := s.Admission
	if a.MaxTotalInflight < 0 || a.ReservedHeadroom < 0 || a.MaxNewThisCall < 0 {
		return fmt.Errorf("admission limits cannot be negative")
	}
	if s.Watch.InitialDelay < 0 {
		return fmt.Errorf("watch.initial_delay cannot be negative")
	}
	return nil
}
