// Package cmd wires configuration, storage, the upload processor and the
// HTTP frontends into the tecken command tree.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/equinix-labs/otel-init-go/otelinit"
	sentry "github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/oklog/run"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/adrianosela/tecken/internal/auth"
	"github.com/adrianosela/tecken/internal/build"
	"github.com/adrianosela/tecken/internal/db"
	"github.com/adrianosela/tecken/internal/events"
	"github.com/adrianosela/tecken/internal/frontend/download"
	"github.com/adrianosela/tecken/internal/frontend/ops"
	"github.com/adrianosela/tecken/internal/frontend/upload"
	"github.com/adrianosela/tecken/internal/healthcheck"
	teckenhttp "github.com/adrianosela/tecken/internal/http"
	"github.com/adrianosela/tecken/internal/logger"
	"github.com/adrianosela/tecken/internal/metrics"
	"github.com/adrianosela/tecken/internal/processor"
	"github.com/adrianosela/tecken/internal/storage"
	"github.com/adrianosela/tecken/internal/xff"
)

const longHelp = `
Run a tecken symbol server.

Each CLI argument has a corresponding environment variable in the form of the CLI argument prefixed
with TECKEN. If both the flag and environment variable form are specified, the flag form takes
precedence. The bare PORT variable is additionally honored for --http-port so container platforms
that inject it bind correctly. A .env file in the working directory is loaded if present.

Examples
  --http-port       TECKEN_HTTP_PORT (or PORT)
  --database-dsn    TECKEN_DATABASE_DSN
`

// EnvNamePrefix defines the environment variable prefix required for all environment configuration.
const EnvNamePrefix = "TECKEN"

// EnvironmentProduction enables release behavior: gin release mode and JSON logs.
const EnvironmentProduction = "production"

// RootCommandOptions encompasses all the configurability of the RootCommand.
type RootCommandOptions struct {
	HTTPPort    int    `mapstructure:"http-port"`
	Environment string `mapstructure:"environment"`

	DatabaseDriver string `mapstructure:"database-driver"`
	DatabaseDSN    string `mapstructure:"database-dsn"`

	UploadDefaultURL    string `mapstructure:"upload-default-url"`
	UploadURLExceptions string `mapstructure:"upload-url-exceptions"`
	SymbolURLs          string `mapstructure:"symbol-urls"`
	FilePrefix          string `mapstructure:"file-prefix"`
	InboxDir            string `mapstructure:"inbox-dir"`

	DisallowedSymbolsSnippets    string `mapstructure:"disallowed-symbols-snippets"`
	AllowUploadByDownloadDomains string `mapstructure:"allow-upload-by-download-domains"`
	MaxUploadSize                int64  `mapstructure:"max-upload-size"`

	UploadWorkers      int           `mapstructure:"upload-workers"`
	UploadQueueSize    int           `mapstructure:"upload-queue-size"`
	UploadMaxAttempts  int           `mapstructure:"upload-max-attempts"`
	UploadReattemptAge time.Duration `mapstructure:"upload-reattempt-age"`

	TrustedProxies string `mapstructure:"trusted-proxies"`
	SentryDSN      string `mapstructure:"sentry-dsn"`

	NATSURL     string `mapstructure:"nats-url"`
	NATSSubject string `mapstructure:"nats-subject"`
}

// RootCommand is the root command that represents the entrypoint to tecken.
type RootCommand struct {
	*cobra.Command
	vpr  *viper.Viper
	Opts RootCommandOptions
}

// NewRootCommand creates new RootCommand instance.
func NewRootCommand() (*RootCommand, error) {
	rootCmd := &RootCommand{
		Command: &cobra.Command{
			Use:          os.Args[0],
			Long:         longHelp,
			SilenceUsage: true,

			// Container entrypoints pass "web" for the server; it is the default
			// behavior so the argument is optional.
			Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
			ValidArgs: []string{"web"},
		},
	}

	rootCmd.PersistentPreRunE = loadDotEnv
	rootCmd.PreRunE = rootCmd.PreRun
	rootCmd.RunE = rootCmd.Run
	rootCmd.Flags().SortFlags = false // Print flag help in the order they're specified.

	// Ensure keys with `-` use `_` for env keys else Viper won't match them.
	rootCmd.vpr = viper.NewWithOptions(viper.EnvKeyReplacer(strings.NewReplacer("-", "_")))
	rootCmd.vpr.SetEnvPrefix(EnvNamePrefix)

	if err := rootCmd.configureFlags(); err != nil {
		return nil, err
	}

	uploadCmd, err := NewUploadCommand()
	if err != nil {
		return nil, err
	}
	rootCmd.AddCommand(uploadCmd.Command)

	tokenCmd, err := NewTokenCommand()
	if err != nil {
		return nil, err
	}
	rootCmd.AddCommand(tokenCmd)

	return rootCmd, nil
}

// loadDotEnv loads a .env file from the working directory if one exists so
// viper's environment bindings can see its values.
func loadDotEnv(*cobra.Command, []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// PreRun satisfies cobra.Command.PreRunE and unmarshalls. Its responsible for populating c.Opts.
func (c *RootCommand) PreRun(*cobra.Command, []string) error {
	if err := c.vpr.Unmarshal(&c.Opts); err != nil {
		return err
	}

	return c.validateOpts()
}

// Run executes the tecken web server.
func (c *RootCommand) Run(cmd *cobra.Command, _ []string) error {
	if c.Opts.Environment == EnvironmentProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	log := logger.New(c.Opts.Environment)
	log.Info("Root command options", "opts", fmt.Sprintf("%#v", c.Opts))

	if c.Opts.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         c.Opts.SentryDSN,
			Environment: c.Opts.Environment,
			Release:     build.GetVersion(),
		})
		if err != nil {
			return pkgerrors.Errorf("initialize sentry: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, otelShutdown := otelinit.InitOpenTelemetry(cmd.Context(), "tecken")
	defer otelShutdown(ctx)

	store, err := db.Open(ctx, log, c.Opts.DatabaseDriver, c.Opts.DatabaseDSN)
	if err != nil {
		return pkgerrors.Errorf("open database: %v", err)
	}
	defer store.Close()

	publisher, err := events.NewPublisher(log.WithName("events"), c.Opts.NATSURL, c.Opts.NATSSubject)
	if err != nil {
		return pkgerrors.Errorf("connect event publisher: %v", err)
	}
	defer publisher.Close()

	registry := prometheus.NewRegistry()

	proc := processor.New(
		log.WithName("processor"),
		store,
		publisher,
		metrics.NewProcessorMetrics(registry),
		processor.Config{
			Workers:      c.Opts.UploadWorkers,
			QueueSize:    c.Opts.UploadQueueSize,
			MaxAttempts:  c.Opts.UploadMaxAttempts,
			ReattemptAge: c.Opts.UploadReattemptAge,
			FilePrefix:   c.Opts.FilePrefix,
		},
	)

	urlExceptions, err := upload.ParseURLExceptions(c.Opts.UploadURLExceptions)
	if err != nil {
		return err
	}

	uploadFrontend, err := upload.New(
		log.WithName("upload"),
		store,
		proc,
		publisher,
		metrics.NewUploadMetrics(registry),
		upload.Config{
			DefaultBucketURL:     c.Opts.UploadDefaultURL,
			URLExceptions:        urlExceptions,
			InboxDir:             c.Opts.InboxDir,
			DisallowedSnippets:   splitCSV(c.Opts.DisallowedSymbolsSnippets),
			AllowedDownloadHosts: splitCSV(c.Opts.AllowUploadByDownloadDomains),
			MaxUploadSize:        c.Opts.MaxUploadSize,
		},
	)
	if err != nil {
		return err
	}

	symbolURLs := splitCSV(c.Opts.SymbolURLs)
	if len(symbolURLs) == 0 {
		// Serve downloads from the bucket uploads land in.
		symbolURLs = []string{c.Opts.UploadDefaultURL}
	}

	downloadFrontend, err := download.New(
		log.WithName("download"),
		store,
		metrics.NewDownloadMetrics(registry),
		download.Config{
			SymbolURLs: symbolURLs,
			FilePrefix: c.Opts.FilePrefix,
		},
	)
	if err != nil {
		return err
	}

	checks, err := c.healthChecks(store, symbolURLs)
	if err != nil {
		return err
	}
	opsFrontend := ops.New(log.WithName("ops"), checks, registry)

	router := gin.New()
	router.Use(
		logger.Middleware(log),
		recovery(),
		metrics.InstrumentRequestCount(registry),
		metrics.InstrumentRequestDuration(registry),
	)

	opsFrontend.Configure(router)
	uploadFrontend.Configure(router, auth.Middleware(log.WithName("auth"), store))
	downloadFrontend.Configure(router)

	handler, err := xff.MiddlewareFromUnparsed(router, c.Opts.TrustedProxies)
	if err != nil {
		return err
	}
	instrumented := otelhttp.NewHandler(handler, "tecken")

	// Listen for signals to gracefully shutdown.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	sweeper, err := proc.NewSweeper(processor.DefaultSweepInterval)
	if err != nil {
		return pkgerrors.Errorf("create sweeper: %v", err)
	}

	var routines run.Group

	routines.Add(
		func() error {
			return teckenhttp.Serve(ctx, log, fmt.Sprintf(":%v", c.Opts.HTTPPort), instrumented)
		},
		func(error) { cancel() },
	)

	routines.Add(
		func() error { return proc.Run(ctx) },
		func(error) { cancel() },
	)

	routines.Add(
		func() error {
			sweeper.Start()
			<-ctx.Done()
			return sweeper.Shutdown()
		},
		func(error) { cancel() },
	)

	return routines.Run()
}

// healthChecks builds the named checks the heartbeat endpoint runs.
func (c *RootCommand) healthChecks(store *db.Store, symbolURLs []string) (*healthcheck.Checks, error) {
	checks := healthcheck.New()
	checks.AddFunc("database", store.IsHealthy)

	uploadBucket, err := storage.ParseBucket(c.Opts.UploadDefaultURL, c.Opts.FilePrefix)
	if err != nil {
		return nil, err
	}
	checks.Add("upload-bucket", bucketCheck(uploadBucket))

	for i, rawURL := range symbolURLs {
		bucket, err := storage.ParseBucket(rawURL, c.Opts.FilePrefix)
		if err != nil {
			return nil, err
		}
		checks.Add(fmt.Sprintf("download-bucket-%d", i), bucketCheck(bucket))
	}

	return checks, nil
}

func bucketCheck(bucket *storage.Bucket) healthcheck.CheckFunc {
	return func(ctx context.Context) bool {
		ok, err := bucket.Exists(ctx)
		return err == nil && ok
	}
}

// recovery converts panics to 500s, reporting them to sentry when configured.
func recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, err any) {
		if hub := sentry.CurrentHub(); hub.Client() != nil {
			hub.RecoverWithContext(c.Request.Context(), err)
		}
		c.AbortWithStatus(http.StatusInternalServerError)
	})
}

func (c *RootCommand) configureFlags() error {
	c.Flags().Int("http-port", 8000, "Port to listen on for HTTP requests")
	c.Flags().String("environment", "development", `Deployment environment: "production" or "development"`)

	c.Flags().String("database-driver", "sqlite", `Database driver: "sqlite" or "postgres"`)
	c.Flags().String("database-dsn", "tecken.db", "Database connection string")

	c.Flags().String("upload-default-url", "", "Storage bucket URL uploaded symbols are stored in")
	c.Flags().String("upload-url-exceptions", "", "Comma separated list of email=url pairs routing specific users to dedicated buckets")
	c.Flags().String("symbol-urls", "", "Comma separated list of bucket URLs downloads are served from; defaults to the upload bucket")
	c.Flags().String("file-prefix", storage.DefaultFilePrefix, "Key prefix under which symbol files are stored")
	c.Flags().String("inbox-dir", "", "Local directory to spool incoming archives to instead of the bucket inbox")

	c.Flags().String("disallowed-symbols-snippets", "", "Comma separated list of file name snippets that reject an archive")
	c.Flags().String("allow-upload-by-download-domains", "", "Comma separated list of hosts upload-by-download URLs may point to")
	c.Flags().Int64("max-upload-size", 2<<30, "Maximum upload size in bytes")

	c.Flags().Int("upload-workers", 2, "Number of upload processing workers")
	c.Flags().Int("upload-queue-size", 100, "Upload processing queue capacity")
	c.Flags().Int("upload-max-attempts", 3, "Attempts before an incomplete upload is no longer retried")
	c.Flags().Duration("upload-reattempt-age", time.Hour, "Age before an incomplete upload is re-enqueued")

	c.Flags().String(
		"trusted-proxies",
		"",
		"A comma separated list of allowed peer IPs and/or CIDR blocks to replace with X-Forwarded-For",
	)
	c.Flags().String("sentry-dsn", "", "Sentry DSN for error reporting; disabled when empty")

	c.Flags().String("nats-url", "", "NATS server URL for upload event publishing; disabled when empty")
	c.Flags().String("nats-subject", "tecken.uploads", "NATS subject upload events are published to")

	if err := c.vpr.BindPFlags(c.Flags()); err != nil {
		return err
	}

	var err error
	c.Flags().VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		err = c.vpr.BindEnv(f.Name)
	})
	if err != nil {
		return err
	}

	// Deploy platforms conventionally inject the listen port as PORT.
	return c.vpr.BindEnv("http-port", "PORT")
}

func (c *RootCommand) validateOpts() error {
	switch c.Opts.Environment {
	case EnvironmentProduction, "development":
	default:
		return pkgerrors.Errorf("invalid --environment %q, want production or development", c.Opts.Environment)
	}

	switch c.Opts.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return pkgerrors.Errorf("invalid --database-driver %q, want sqlite or postgres", c.Opts.DatabaseDriver)
	}

	if c.Opts.UploadDefaultURL == "" {
		return errors.New("--upload-default-url is required")
	}

	return nil
}

// splitCSV splits a comma separated flag value, dropping empty entries.
func splitCSV(raw string) []string {
	var result []string
	for _, entry := range strings.Split(raw, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			result = append(result, entry)
		}
	}
	return result
}
