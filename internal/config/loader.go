package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.BaseURL == "" {
		errs = append(errs, errors.New("server.base_url is required"))
	} else {
		u, err := url.Parse(cfg.Server.BaseURL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("server.base_url %q is not a valid URL: %v", cfg.Server.BaseURL, err))
		case u.Scheme != "http" && u.Scheme != "https":
			errs = append(errs, fmt.Errorf("server.base_url %q must use http or https", cfg.Server.BaseURL))
		case u.Host == "":
			errs = append(errs, fmt.Errorf("server.base_url %q has no host", cfg.Server.BaseURL))
		}
	}
	if cfg.Server.Username != "" && cfg.Server.Password == "" {
		slog.Warn("server.username is set without server.password")
	}
	if hostIsHosted(cfg.Server.BaseURL) && cfg.Server.Username != "" {
		slog.Warn("user credentials are ignored for the hosted service host",
			"host", HostedServiceHost,
		)
	}

	// Log
	if cfg.Log.Level != "" && !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	if cfg.Log.BufferLines < 0 {
		errs = append(errs, fmt.Errorf("log.buffer_lines %d must not be negative", cfg.Log.BufferLines))
	}

	// Stream
	if cfg.Stream.PollIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("stream.poll_interval_seconds %d must not be negative", cfg.Stream.PollIntervalSeconds))
	}
	if cfg.Stream.WindowLength < 0 || cfg.Stream.WindowLength > 200 {
		errs = append(errs, fmt.Errorf("stream.window_length %d is out of range [0, 200]", cfg.Stream.WindowLength))
	}
	if cfg.Stream.PushCooldownSeconds < 0 {
		errs = append(errs, fmt.Errorf("stream.push_cooldown_seconds %d must not be negative", cfg.Stream.PushCooldownSeconds))
	}
	if cfg.Stream.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("stream.queue_size %d must not be negative", cfg.Stream.QueueSize))
	}

	// Alerts
	namesSeen := make(map[string]int, len(cfg.Alerts))
	for i, rule := range cfg.Alerts {
		prefix := fmt.Sprintf("alerts[%d]", i)
		if rule.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[rule.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of alerts[%d]", prefix, rule.Name, prev))
			}
			namesSeen[rule.Name] = i
		}
		if len(rule.Keywords) == 0 {
			slog.Warn("alert rule has no keywords and can never match", "rule", rule.Name)
		}
	}

	return errors.Join(errs...)
}

// hostIsHosted reports whether base points at the hosted service host.
// Unparsable URLs report false; Validate flags them separately.
func hostIsHosted(base string) bool {
	u, err := url.Parse(base)
	if err != nil {
		return false
	}
	return u.Hostname() == HostedServiceHost
}
