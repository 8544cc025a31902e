// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/creachadair/murmur"
	"github.com/creachadair/murmur/discovery"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// settings are the flags shared by all the subcommands. A flag left at its
// zero value does not override the environment or the config file.
type settings struct {
	ConfigFile  string        `flag:"config,Configuration file (YAML, TOML, or JSON)"`
	EnvFile     string        `flag:"env-file,default=.env,Environment file to load if present"`
	Name        string        `flag:"name,Node name"`
	Host        string        `flag:"host,Host to listen on and advertise"`
	Port        int           `flag:"port,Port to listen on (0 picks a free port)"`
	Transport   string        `flag:"transport,Transport kind (tcp or udp)"`
	Codec       string        `flag:"codec,Envelope codec (json or binary)"`
	Discovery   string        `flag:"discovery,Discovery kind (multicast or memory)"`
	Group       string        `flag:"group,Multicast group address for discovery"`
	Timeout     time.Duration `flag:"timeout,Deadline for each call attempt"`
	Retries     int           `flag:"retries,Total attempts per call"`
	Backoff     time.Duration `flag:"backoff,Base delay between call attempts"`
	RoutePolicy string        `flag:"route-policy,Duplicate route policy (replace or reject)"`
	LogLevel    string        `flag:"log-level,Log level (debug, info, warn, error)"`
}

// load merges s with the environment and the config file. Precedence, from
// highest: flags, MURMUR_* variables (including those set by the env file),
// the config file, built-in defaults.
func (s *settings) load() (*viper.Viper, error) {
	if s.EnvFile != "" {
		// The file is optional, but one that exists must be valid.
		if err := godotenv.Load(s.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	v := viper.New()
	v.SetDefault("name", "")
	v.SetDefault("host", murmur.DefaultHost)
	v.SetDefault("port", 0)
	v.SetDefault("transport", "tcp")
	v.SetDefault("codec", "json")
	v.SetDefault("discovery", "multicast")
	v.SetDefault("group", discovery.DefaultGroup)
	v.SetDefault("timeout", murmur.DefaultCallTimeout)
	v.SetDefault("retries", murmur.DefaultMaxRetries)
	v.SetDefault("backoff", murmur.DefaultRetryBackoff)
	v.SetDefault("route-policy", "replace")
	v.SetDefault("log-level", "info")

	v.SetEnvPrefix("murmur")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if s.ConfigFile != "" {
		v.SetConfigFile(s.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	set := func(key string, val any, ok bool) {
		if ok {
			v.Set(key, val)
		}
	}
	set("name", s.Name, s.Name != "")
	set("host", s.Host, s.Host != "")
	set("port", s.Port, s.Port != 0)
	set("transport", s.Transport, s.Transport != "")
	set("codec", s.Codec, s.Codec != "")
	set("discovery", s.Discovery, s.Discovery != "")
	set("group", s.Group, s.Group != "")
	set("timeout", s.Timeout, s.Timeout != 0)
	set("retries", s.Retries, s.Retries != 0)
	set("backoff", s.Backoff, s.Backoff != 0)
	set("route-policy", s.RoutePolicy, s.RoutePolicy != "")
	set("log-level", s.LogLevel, s.LogLevel != "")
	return v, nil
}

// newLogger returns a text logger writing to w at the level named in v.
func newLogger(v *viper.Viper, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

// newDiscovery constructs the discovery named in v.
func newDiscovery(v *viper.Viper, log *slog.Logger) (discovery.Discovery, error) {
	switch kind := v.GetString("discovery"); kind {
	case "memory":
		return discovery.NewMemory(), nil
	case "multicast":
		return discovery.NewMulticast(discovery.MulticastOptions{
			Group:  v.GetString("group"),
			Logger: log,
		})
	default:
		return nil, fmt.Errorf("unknown discovery %q", kind)
	}
}

// nodeConfig constructs a node configuration from v. If no name is set, a
// unique name with the given prefix is generated.
func nodeConfig(v *viper.Viper, prefix string, disc discovery.Discovery, log *slog.Logger) (murmur.Config, error) {
	policy, err := murmur.ParseRoutePolicy(v.GetString("route-policy"))
	if err != nil {
		return murmur.Config{}, err
	}
	name := v.GetString("name")
	if name == "" {
		name = prefix + "-" + uuid.NewString()[:8]
	}
	cfg := murmur.Config{
		Name:         name,
		Host:         v.GetString("host"),
		Port:         v.GetInt("port"),
		Transport:    v.GetString("transport"),
		Codec:        v.GetString("codec"),
		CallTimeout:  v.GetDuration("timeout"),
		MaxRetries:   v.GetInt("retries"),
		RetryBackoff: v.GetDuration("backoff"),
		RoutePolicy:  policy,
		Discovery:    disc,
		Logger:       log,
	}
	if err := cfg.Validate(); err != nil {
		return murmur.Config{}, err
	}
	return cfg, nil
}
