// Package config holds the loader's typed configuration, its defaults, and
// the per-backend DSN assembly.
//
// Values come from viper: an optional YAML file, then SPARKIFY_* environment
// variables, then command-line flags, each overriding the previous.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"

	"sparkify/internal/multitable"
	"sparkify/internal/storage"
)

// EnvPrefix namespaces environment overrides, e.g. SPARKIFY_DB_KIND.
const EnvPrefix = "SPARKIFY"

// Backend kinds accepted in db.kind.
const (
	KindPostgres = "postgres"
	KindSQLite   = "sqlite"
	KindMySQL    = "mysql"
	KindMSSQL    = "mssql"
)

// Metrics backends accepted in metrics.backend.
const (
	MetricsNone     = "none"
	MetricsDatadog  = "datadog"
	MetricsPrompush = "prompush"
)

type Config struct {
	Job              string  `mapstructure:"job"`
	SongDataRoot     string  `mapstructure:"song_data"`
	LogDataRoot      string  `mapstructure:"log_data"`
	AutoCreateTables bool    `mapstructure:"auto_create_tables"`
	Verbose          bool    `mapstructure:"verbose"`
	DB               DB      `mapstructure:"db"`
	Metrics          Metrics `mapstructure:"metrics"`
}

// DB selects the backend. DSN wins when set; otherwise one is assembled from
// the discrete fields.
type DB struct {
	Kind     string `mapstructure:"kind"`
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

type Metrics struct {
	Backend        string        `mapstructure:"backend"`
	PushgatewayURL string        `mapstructure:"pushgateway_url"`
	Tags           string        `mapstructure:"tags"` // comma-separated, Datadog only
	FlushEvery     time.Duration `mapstructure:"flush_every"`
}

// Defaults returns the configuration used when nothing is overridden. The
// connection target matches the course database the data set ships with.
func Defaults() Config {
	return Config{
		Job:              "sparkify",
		SongDataRoot:     "data/song_data",
		LogDataRoot:      "data/log_data",
		AutoCreateTables: true,
		DB: DB{
			Kind:     KindPostgres,
			Host:     "127.0.0.1",
			Name:     "sparkifydb",
			User:     "student",
			Password: "student",
			SSLMode:  "disable",
		},
		Metrics: Metrics{
			Backend:    MetricsNone,
			FlushEvery: 60 * time.Second,
		},
	}
}

// SetDefaults registers Defaults() on v so env and file keys are known to
// Unmarshal even when unset.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("job", d.Job)
	v.SetDefault("song_data", d.SongDataRoot)
	v.SetDefault("log_data", d.LogDataRoot)
	v.SetDefault("auto_create_tables", d.AutoCreateTables)
	v.SetDefault("verbose", d.Verbose)
	v.SetDefault("db.kind", d.DB.Kind)
	v.SetDefault("db.dsn", d.DB.DSN)
	v.SetDefault("db.host", d.DB.Host)
	v.SetDefault("db.port", d.DB.Port)
	v.SetDefault("db.name", d.DB.Name)
	v.SetDefault("db.user", d.DB.User)
	v.SetDefault("db.password", d.DB.Password)
	v.SetDefault("db.sslmode", d.DB.SSLMode)
	v.SetDefault("metrics.backend", d.Metrics.Backend)
	v.SetDefault("metrics.pushgateway_url", d.Metrics.PushgatewayURL)
	v.SetDefault("metrics.tags", d.Metrics.Tags)
	v.SetDefault("metrics.flush_every", d.Metrics.FlushEvery)
}

// NewViper returns a viper instance with defaults and SPARKIFY_ env binding.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file and decodes v into a Config.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", file, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	c.DB.Kind = strings.ToLower(strings.TrimSpace(c.DB.Kind))
	c.Metrics.Backend = strings.ToLower(strings.TrimSpace(c.Metrics.Backend))
	return c, nil
}

// Pipeline returns the engine input for c.
func (c Config) Pipeline() multitable.Pipeline {
	return multitable.Pipeline{
		Job:              c.Job,
		SongDataRoot:     c.SongDataRoot,
		LogDataRoot:      c.LogDataRoot,
		AutoCreateTables: c.AutoCreateTables,
		Verbose:          c.Verbose,
	}
}

// Storage returns the repository config, assembling the DSN if needed.
func (c Config) Storage() (storage.Config, error) {
	dsn, err := c.DB.ResolveDSN()
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Kind: c.DB.Kind, DSN: dsn}, nil
}

func defaultPort(kind string) int {
	switch kind {
	case KindPostgres:
		return 5432
	case KindMySQL:
		return 3306
	case KindMSSQL:
		return 1433
	}
	return 0
}

// ResolveDSN returns d.DSN when set, else a DSN in the driver's native form.
// For sqlite, Name is the database file path.
func (d DB) ResolveDSN() (string, error) {
	if d.DSN != "" {
		return d.DSN, nil
	}
	port := d.Port
	if port == 0 {
		port = defaultPort(d.Kind)
	}
	hostPort := net.JoinHostPort(d.Host, strconv.Itoa(port))

	switch d.Kind {
	case KindPostgres:
		parts := []string{
			pgKV("host", d.Host),
			pgKV("port", strconv.Itoa(port)),
			pgKV("dbname", d.Name),
			pgKV("user", d.User),
			pgKV("password", d.Password),
		}
		if d.SSLMode != "" {
			parts = append(parts, pgKV("sslmode", d.SSLMode))
		}
		return strings.Join(parts, " "), nil

	case KindMySQL:
		mc := mysql.NewConfig()
		mc.User = d.User
		mc.Passwd = d.Password
		mc.Net = "tcp"
		mc.Addr = hostPort
		mc.DBName = d.Name
		mc.ParseTime = true
		return mc.FormatDSN(), nil

	case KindMSSQL:
		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(d.User, d.Password),
			Host:     hostPort,
			RawQuery: url.Values{"database": {d.Name}}.Encode(),
		}
		return u.String(), nil

	case KindSQLite:
		if d.Name == "" {
			return "", fmt.Errorf("config: db.name (file path) is required for sqlite")
		}
		return d.Name, nil
	}
	return "", fmt.Errorf("config: unsupported db.kind %q", d.Kind)
}

// pgKV renders one libpq keyword/value pair, quoting when needed.
func pgKV(k, v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return k + "=" + v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return k + "='" + r.Replace(v) + "'"
}
