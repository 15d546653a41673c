package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything else
// (server address, credentials, archive DSN) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AlertsChanged is true when the alert rule set differs in any way.
	AlertsChanged bool
	NewAlerts     []AlertRuleConfig
}

// Empty reports whether the diff contains no hot-reloadable changes.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.AlertsChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Log.Level
	}

	if !alertsEqual(old.Alerts, new.Alerts) {
		d.AlertsChanged = true
		d.NewAlerts = new.Alerts
	}

	return d
}

func alertsEqual(a, b []AlertRuleConfig) bool {
	return slices.EqualFunc(a, b, func(x, y AlertRuleConfig) bool {
		return x.Name == y.Name && slices.Equal(x.Keywords, y.Keywords)
	})
}
