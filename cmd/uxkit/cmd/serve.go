package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/turnstile-uxkit/internal/shutdown"
	"github.com/psantana5/turnstile-uxkit/pkg/beacon"
	"github.com/psantana5/turnstile-uxkit/pkg/i18n"
	"github.com/psantana5/turnstile-uxkit/pkg/metrics"
	"github.com/psantana5/turnstile-uxkit/pkg/tracing"
)

// version is stamped into trace resources
var version = "dev"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the telemetry beacon collector",
	Long: `Start the HTTP collector:

  POST /telemetry              challenge events (one object or an array)
  GET  /metrics                Prometheus metrics
  GET  /health                 liveness and ingest totals
  GET  /errors[/{code}]        error catalogue
  GET  /i18n/{locale}/{key}    translation lookup, query string fills placeholders`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", ":8090", "address to listen on")
	serveCmd.Flags().String("locales-dir", "", "directory of <locale>.json|yaml files")
	serveCmd.Flags().String("tls-cert", "", "TLS certificate file")
	serveCmd.Flags().String("tls-key", "", "TLS private key file")
	viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("locales_dir", serveCmd.Flags().Lookup("locales-dir"))
	viper.BindPFlag("tls.cert", serveCmd.Flags().Lookup("tls-cert"))
	viper.BindPFlag("tls.key", serveCmd.Flags().Lookup("tls-key"))
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	stopper := shutdown.New(10*time.Second, logger)

	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "uxkit-beacon",
		ServiceVersion: version,
		Environment:    viper.GetString("environment"),
		OTLPEndpoint:   viper.GetString("tracing.endpoint"),
		Enabled:        viper.GetBool("tracing.enabled"),
	}, logger)
	if err != nil {
		return err
	}
	stopper.Register("tracer", tracer.Shutdown)

	locales := i18n.New(i18n.Options{Logger: logger})
	if dir := viper.GetString("locales_dir"); dir != "" {
		if err := locales.LoadDir(dir); err != nil {
			return err
		}
		logger.Info("Locales loaded", map[string]interface{}{"locales": locales.AvailableLocales()})
	}

	server := beacon.NewServer(beacon.Config{
		Addr:           viper.GetString("listen"),
		RateLimitRPS:   viper.GetFloat64("rate_limit.rps"),
		RateLimitBurst: viper.GetInt("rate_limit.burst"),
		MetricsToken:   viper.GetString("metrics_token"),
		TLSCertFile:    viper.GetString("tls.cert"),
		TLSKeyFile:     viper.GetString("tls.key"),
	}, beacon.Deps{
		Exporter: metrics.NewExporter(),
		Tracer:   tracer,
		Locales:  locales,
		Logger:   logger,
	})

	ctx, stop := stopper.Context(context.Background())
	defer stop()

	err = server.ListenAndServe(ctx)
	stopper.Shutdown()
	return err
}
