package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError blocks execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning is surfaced but does not block.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding. Path is the dotted config key
// (e.g. "db.kind").
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ValidateConfig performs static checks over c. It does not touch the
// filesystem or the database.
func ValidateConfig(c Config) []Issue {
	var issues []Issue

	if strings.TrimSpace(c.Job) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "job",
			Message:  "job must not be empty; it labels metrics and log lines",
		})
	}

	issues = append(issues, validateRoots(c)...)
	issues = append(issues, validateDB(c.DB)...)
	issues = append(issues, validateMetrics(c.Metrics)...)
	return issues
}

func validateRoots(c Config) []Issue {
	var issues []Issue
	if strings.TrimSpace(c.SongDataRoot) == "" {
		issues = append(issues, Issue{SeverityError, "song_data", "song data root must be set"})
	}
	if strings.TrimSpace(c.LogDataRoot) == "" {
		issues = append(issues, Issue{SeverityError, "log_data", "log data root must be set"})
	}
	if c.SongDataRoot != "" && filepath.Clean(c.SongDataRoot) == filepath.Clean(c.LogDataRoot) {
		issues = append(issues, Issue{SeverityWarning, "log_data", "song and log roots are the same directory; song files will be read as logs"})
	}
	return issues
}

func validateDB(d DB) []Issue {
	var issues []Issue

	switch d.Kind {
	case KindPostgres, KindMySQL, KindMSSQL:
		if d.DSN == "" && strings.TrimSpace(d.Host) == "" {
			issues = append(issues, Issue{SeverityError, "db.host", "host is required when db.dsn is empty"})
		}
		if d.DSN == "" && strings.TrimSpace(d.Name) == "" {
			issues = append(issues, Issue{SeverityError, "db.name", "database name is required when db.dsn is empty"})
		}
	case KindSQLite:
		if d.DSN == "" && strings.TrimSpace(d.Name) == "" {
			issues = append(issues, Issue{SeverityError, "db.name", "sqlite needs a database file path in db.name or db.dsn"})
		}
	case "":
		issues = append(issues, Issue{SeverityError, "db.kind", "db.kind must be set"})
	default:
		issues = append(issues, Issue{SeverityError, "db.kind",
			fmt.Sprintf("unsupported db.kind %q; expected postgres, sqlite, mysql or mssql", d.Kind)})
	}

	if d.Port < 0 || d.Port > 65535 {
		issues = append(issues, Issue{SeverityError, "db.port", fmt.Sprintf("port %d out of range", d.Port)})
	}
	if d.Kind == KindPostgres && d.SSLMode != "" {
		switch d.SSLMode {
		case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
		default:
			issues = append(issues, Issue{SeverityError, "db.sslmode", fmt.Sprintf("unknown sslmode %q", d.SSLMode)})
		}
	}
	return issues
}

func validateMetrics(m Metrics) []Issue {
	var issues []Issue
	switch m.Backend {
	case "", MetricsNone:
	case MetricsPrompush:
		if strings.TrimSpace(m.PushgatewayURL) == "" {
			issues = append(issues, Issue{SeverityError, "metrics.pushgateway_url", "pushgateway URL is required for the prompush backend"})
		}
	case MetricsDatadog:
		if os.Getenv("DD_API_KEY") == "" {
			issues = append(issues, Issue{SeverityWarning, "metrics.backend", "DD_API_KEY is not set; submissions will be rejected"})
		}
	default:
		issues = append(issues, Issue{SeverityError, "metrics.backend",
			fmt.Sprintf("unsupported metrics backend %q; expected none, datadog or prompush", m.Backend)})
	}
	if m.Tags != "" && m.Backend != MetricsDatadog {
		issues = append(issues, Issue{SeverityWarning, "metrics.tags", "tags are only sent by the datadog backend"})
	}
	return issues
}
