// Command etl loads the Sparkify song and event-log JSON files into the star
// schema. It takes no positional arguments; see --help for flags. Every flag
// can also be set with a SPARKIFY_* environment variable or a YAML file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sparkify/internal/config"
	"sparkify/internal/metrics"
	"sparkify/internal/metrics/datadog"
	"sparkify/internal/metrics/prompush"
	"sparkify/internal/multitable"
	"sparkify/internal/report"
	"sparkify/internal/storage"

	// register all backends with the storage factory.
	_ "sparkify/internal/storage/all"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// runner is the seam between the CLI and the load engine.
type runner interface {
	Run(ctx context.Context, p multitable.Pipeline, db storage.Config) (multitable.Stats, error)
}

type appDeps struct {
	loadDotenv  func() error
	newRunner   func(logger multitable.Logger, obs multitable.Observer) runner
	initMetrics func(ctx context.Context, c config.Config, runID string, logger *logrus.Logger) (func(), error)
	isTerminal  func(w io.Writer) bool
	newRunID    func() string
}

func defaultDeps() appDeps {
	return appDeps{
		loadDotenv: loadDotenv,
		newRunner: func(logger multitable.Logger, obs multitable.Observer) runner {
			r := multitable.NewDefaultRunner()
			r.Logger = logger
			r.Observer = obs
			return r
		},
		initMetrics: initMetrics,
		isTerminal:  report.IsTerminal,
		newRunID:    uuid.NewString,
	}
}

// usageError marks bad flags or arguments; it exits with status 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// runMain builds and executes the root command and maps the outcome to an
// exit code: 0 success, 1 load or config failure, 2 usage error.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	cmd := newRootCmd(stdout, stderr, deps)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	var ue usageError
	if errors.As(err, &ue) {
		return 2
	}
	return 1
}

func newRootCmd(stdout, stderr io.Writer, deps appDeps) *cobra.Command {
	v := config.NewViper()
	var (
		cfgFile  string
		validate bool
	)

	cmd := &cobra.Command{
		Use:   "etl",
		Short: "Load Sparkify song and event logs into a star schema",
		Long: `etl walks the song data root and then the log data root, loading each
*.json file in its own transaction. The run stops at the first failing file.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.NoArgs(cmd, args); err != nil {
				return usageError{err}
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := deps.loadDotenv(); err != nil {
				return err
			}
			c, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}

			issues := config.ValidateConfig(c)
			for _, iss := range issues {
				fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
			}
			if config.HasErrors(issues) {
				return fmt.Errorf("configuration is invalid")
			}
			if validate {
				fmt.Fprintln(stdout, "configuration is valid")
				return nil
			}
			return run(cmd.Context(), c, stdout, stderr, deps)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	d := config.Defaults()
	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "optional YAML config file")
	f.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	f.String("song-data", d.SongDataRoot, "song data root directory")
	f.String("log-data", d.LogDataRoot, "log data root directory")
	f.String("job", d.Job, "job name used in metrics and logs")
	f.Bool("auto-create-tables", d.AutoCreateTables, "create missing tables before loading")
	f.BoolP("verbose", "v", d.Verbose, "log per-file timings and resolved songplays")
	f.String("db-kind", d.DB.Kind, "database backend: postgres, sqlite, mysql or mssql")
	f.String("db-dsn", d.DB.DSN, "full connection string; overrides the discrete db-* flags")
	f.String("db-host", d.DB.Host, "database host")
	f.Int("db-port", d.DB.Port, "database port (0 = backend default)")
	f.String("db-name", d.DB.Name, "database name, or file path for sqlite")
	f.String("db-user", d.DB.User, "database user")
	f.String("db-password", d.DB.Password, "database password")
	f.String("metrics-backend", d.Metrics.Backend, "metrics backend: none, datadog or prompush")
	f.String("pushgateway-url", d.Metrics.PushgatewayURL, "Pushgateway base URL for the prompush backend")
	f.String("metrics-tags", d.Metrics.Tags, "comma-separated Datadog tags")

	for key, flag := range map[string]string{
		"song_data":               "song-data",
		"log_data":                "log-data",
		"job":                     "job",
		"auto_create_tables":      "auto-create-tables",
		"verbose":                 "verbose",
		"db.kind":                 "db-kind",
		"db.dsn":                  "db-dsn",
		"db.host":                 "db-host",
		"db.port":                 "db-port",
		"db.name":                 "db-name",
		"db.user":                 "db-user",
		"db.password":             "db-password",
		"metrics.backend":         "metrics-backend",
		"metrics.pushgateway_url": "pushgateway-url",
		"metrics.tags":            "metrics-tags",
	} {
		if err := v.BindPFlag(key, f.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
	return cmd
}

func run(ctx context.Context, c config.Config, stdout, stderr io.Writer, deps appDeps) error {
	logger := newLogger(stderr, c.Verbose)
	runID := deps.newRunID()

	db, err := c.Storage()
	if err != nil {
		return err
	}

	closeMetrics, err := deps.initMetrics(ctx, c, runID, logger)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer closeMetrics()

	tracker := report.NewTracker(stderr, deps.isTerminal(stderr) && !c.Verbose)
	r := deps.newRunner(printfLogger{logger}, tracker)

	logger.Infof("run=%s backend=%s song_data=%s log_data=%s", runID, db.Kind, c.SongDataRoot, c.LogDataRoot)
	start := time.Now()
	st, err := r.Run(ctx, c.Pipeline(), db)
	tracker.Finish()
	if err != nil {
		return err
	}

	return report.Summary{
		RunID:   runID,
		Backend: db.Kind,
		Elapsed: time.Since(start),
		Stats:   st,
		Latency: tracker.Latency(),
	}.Write(stdout)
}

func newLogger(w io.Writer, verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	l.SetLevel(logrus.InfoLevel)
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// printfLogger adapts logrus to multitable.Logger. Engine lines carrying
// "level=warn" are emitted at warn level with the marker stripped.
type printfLogger struct{ l *logrus.Logger }

func (p printfLogger) Printf(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	if strings.Contains(msg, "level=warn ") {
		p.l.Warn(strings.Replace(msg, "level=warn ", "", 1))
		return
	}
	p.l.Info(msg)
}

// loadDotenv reads .env from the working directory when present. Existing
// environment variables win.
func loadDotenv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// setMetricsBackend is swapped out in tests to avoid touching global state.
var setMetricsBackend = metrics.SetBackend

// initMetrics installs the configured metrics backend and returns its
// shutdown hook.
func initMetrics(ctx context.Context, c config.Config, runID string, logger *logrus.Logger) (func(), error) {
	switch c.Metrics.Backend {
	case "", config.MetricsNone:
		logger.Debugf("metrics: disabled")
		return func() {}, nil

	case config.MetricsPrompush:
		b, err := prompush.NewBackend(c.Job, c.Metrics.PushgatewayURL, runID)
		if err != nil {
			return nil, err
		}
		setMetricsBackend(b)
		logger.Infof("metrics: backend=prompush url=%s job=%s", c.Metrics.PushgatewayURL, c.Job)
		return func() {
			if err := b.Flush(); err != nil {
				logger.Warnf("metrics: flush error: %v", err)
			}
		}, nil

	case config.MetricsDatadog:
		tags := datadog.ParseTagsCSV(c.Metrics.Tags)
		b, err := datadog.NewBackend(context.WithoutCancel(ctx), datadog.Options{
			JobName:    c.Job,
			RunID:      runID,
			Tags:       tags,
			FlushEvery: c.Metrics.FlushEvery,
		})
		if err != nil {
			return nil, err
		}
		setMetricsBackend(b)
		logger.Infof("metrics: backend=datadog job=%s tags=%v", c.Job, tags)
		return func() {
			if err := b.Close(); err != nil {
				logger.Warnf("metrics: datadog close/flush error: %v", err)
			}
		}, nil
	}
	return nil, fmt.Errorf("metrics: unknown backend %q", c.Metrics.Backend)
}
