package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs. Language and log
// level changes are applied live; everything listed in RestartRequired only
// takes effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LanguageChanges lists added, removed and re-pointed languages sorted
	// by tag.
	LanguageChanges []LanguageDiff

	// RestartRequired names changed fields that are not hot-reloadable.
	RestartRequired []string
}

// LanguagesChanged reports whether the language table differs.
func (d ConfigDiff) LanguagesChanged() bool { return len(d.LanguageChanges) > 0 }

// LanguageDiff describes the change to one language.
type LanguageDiff struct {
	Tag     string
	OldPath string
	NewPath string
	Added   bool
	Removed bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	tags := slices.Sorted(maps.Keys(old.Languages))
	for tag := range new.Languages {
		if _, ok := old.Languages[tag]; !ok {
			tags = append(tags, tag)
		}
	}
	slices.Sort(tags)
	for _, tag := range tags {
		o, inOld := old.Languages[tag]
		n, inNew := new.Languages[tag]
		switch {
		case !inNew:
			d.LanguageChanges = append(d.LanguageChanges, LanguageDiff{Tag: tag, OldPath: o.ModelPath, Removed: true})
		case !inOld:
			d.LanguageChanges = append(d.LanguageChanges, LanguageDiff{Tag: tag, NewPath: n.ModelPath, Added: true})
		case o.ModelPath != n.ModelPath:
			d.LanguageChanges = append(d.LanguageChanges, LanguageDiff{Tag: tag, OldPath: o.ModelPath, NewPath: n.ModelPath})
		}
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server.allowed_origins")
	}
	if old.Engine != new.Engine {
		d.RestartRequired = append(d.RestartRequired, "engine")
	}
	if old.Sessions.IdleTimeout != new.Sessions.IdleTimeout || old.Sessions.SweepInterval != new.Sessions.SweepInterval {
		d.RestartRequired = append(d.RestartRequired, "sessions")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
