package config

import (
	"reflect"

	"github.com/MrWong99/linguaflow/internal/scenario"
)

// ConfigDiff describes what changed between two configs.
// Log level and scenario catalog changes apply on the fly; anything else
// is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ScenariosChanged bool
	ScenarioChanges  []ScenarioDiff

	// RestartRequired names the sections that changed but only take effect
	// on the next start (e.g. "provider", "audio").
	RestartRequired []string
}

// ScenarioDiff describes one changed catalog entry.
type ScenarioDiff struct {
	// Kind is "language" or "topic".
	Kind     string
	Name     string
	Added    bool
	Removed  bool
	Modified bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldCat, newCat := old.Catalog(), new.Catalog()
	d.ScenarioChanges = append(d.ScenarioChanges, diffLanguages(oldCat, newCat)...)
	d.ScenarioChanges = append(d.ScenarioChanges, diffTopics(oldCat, newCat)...)
	d.ScenariosChanged = len(d.ScenarioChanges) > 0

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Provider, new.Provider) ||
		!reflect.DeepEqual(old.Fallbacks, new.Fallbacks) || old.Failover != new.Failover {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Session != new.Session {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if old.Transcript != new.Transcript {
		d.RestartRequired = append(d.RestartRequired, "transcript")
	}
	return d
}

func diffLanguages(old, new scenario.Catalog) []ScenarioDiff {
	var out []ScenarioDiff
	for _, ol := range old.Languages {
		nl, ok := new.Language(ol.Name)
		switch {
		case !ok:
			out = append(out, ScenarioDiff{Kind: "language", Name: ol.Name, Removed: true})
		case ol != nl:
			out = append(out, ScenarioDiff{Kind: "language", Name: ol.Name, Modified: true})
		}
	}
	for _, nl := range new.Languages {
		if _, ok := old.Language(nl.Name); !ok {
			out = append(out, ScenarioDiff{Kind: "language", Name: nl.Name, Added: true})
		}
	}
	return out
}

func diffTopics(old, new scenario.Catalog) []ScenarioDiff {
	var out []ScenarioDiff
	for _, ot := range old.Topics {
		nt, ok := new.Topic(ot.ID)
		switch {
		case !ok:
			out = append(out, ScenarioDiff{Kind: "topic", Name: ot.ID, Removed: true})
		case ot != nt:
			out = append(out, ScenarioDiff{Kind: "topic", Name: ot.ID, Modified: true})
		}
	}
	for _, nt := range new.Topics {
		if _, ok := old.Topic(nt.ID); !ok {
			out = append(out, ScenarioDiff{Kind: "topic", Name: nt.ID, Added: true})
		}
	}
	return out
}
