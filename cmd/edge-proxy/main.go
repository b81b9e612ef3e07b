// Command edge-proxy is the composition root: it wires pkg/config,
// pkg/admission, pkg/originproxy, pkg/shape and pkg/pipeline into a running
// net/http server, the way cmd/staticProxy.go wires the teacher's legacy
// proxy pieces together.
package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	log "github.com/jensneuse/abstractlogger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wundergraph/edge-policy-proxy/internal/httpedge"
	"github.com/wundergraph/edge-policy-proxy/pkg/admission"
	"github.com/wundergraph/edge-policy-proxy/pkg/canonical"
	"github.com/wundergraph/edge-policy-proxy/pkg/config"
	"github.com/wundergraph/edge-policy-proxy/pkg/opstore"
	"github.com/wundergraph/edge-policy-proxy/pkg/originproxy"
	"github.com/wundergraph/edge-policy-proxy/pkg/pipeline"
	"github.com/wundergraph/edge-policy-proxy/pkg/report"
	"github.com/wundergraph/edge-policy-proxy/pkg/shape"
)

var (
	flagOriginURL  string
	flagListenAddr string
	flagConfigFile string
)

var rootCmd = &cobra.Command{
	Use:   "edge-proxy",
	Short: "edge-proxy enforces admission, operation resolution, response shaping and reporting in front of a GraphQL origin",
	Example: `edge-proxy --originURL https://origin.example.com/graphql --listenAddr 0.0.0.0:8080`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagOriginURL, "originURL", "", "URL of the upstream GraphQL server")
	rootCmd.Flags().StringVar(&flagListenAddr, "listenAddr", "0.0.0.0:8080", "host:port the proxy should listen on")
	rootCmd.Flags().StringVar(&flagConfigFile, "config", "", "path to a config file (yaml/json/toml)")
}

func newLogger() log.Logger {
	zapLogger, err := zap.NewProductionConfig().Build()
	if err != nil {
		panic(err)
	}
	return log.NewZapLogger(zapLogger, log.InfoLevel)
}

func run() error {
	logger := newLogger()

	v := viper.New()
	if flagConfigFile != "" {
		v.SetConfigFile(flagConfigFile)
	}
	if flagOriginURL != "" {
		v.Set("origin_url", flagOriginURL)
	}
	if flagListenAddr != "" {
		v.Set("listen_addr", flagListenAddr)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	originURL, err := url.Parse(cfg.OriginURL)
	if err != nil {
		return fmt.Errorf("parsing origin_url: %w", err)
	}

	var admitter pipeline.Admitter
	switch cfg.AdmissionMode {
	case config.ModeSignature:
		admitter = &admission.SignatureAdmitter{
			PassThroughHash: cfg.PassThroughHash,
			SignSecret:      cfg.SignSecret,
			MaxTokens:       cfg.MaxTokens,
			Cache:           canonical.NewCache(cfg.CanonicalCacheSize),
			Logger:          logger,
		}
	default:
		admitter = &admission.StoreAdmitter{
			Store:  opstore.New(nil),
			Logger: logger,
		}
	}

	var errorMask *string
	if cfg.MaskingEnabled {
		errorMask = &cfg.ErrorMaskText
	}

	p := &pipeline.Pipeline{
		Admitter: admitter,
		Forwarder: &originproxy.Forwarder{
			OriginURL: originURL,
			Logger:    logger,
		},
		ShapeRules: shape.Rules{
			RemoveExtensions: cfg.RemoveExtensions,
			ErrorMask:        errorMask,
		},
		Reporter: &logReporter{logger: logger},
		Logger:   logger,
	}

	handler := &httpedge.Handler{Pipeline: p, Logger: logger}

	logger.Info("edge-proxy starting",
		log.String("listenAddr", cfg.ListenAddr),
		log.String("originURL", cfg.OriginURL),
		log.String("admissionMode", string(cfg.AdmissionMode)),
	)

	return http.ListenAndServe(cfg.ListenAddr, handler)
}

// logReporter is the default pipeline.Reporter: it logs every report at
// info level. A deployment that wants persistence (explicitly out of scope
// per §1) swaps this collaborator out.
type logReporter struct {
	logger log.Logger
}

func (l *logReporter) Emit(r *report.Report) {
	l.logger.Info("request report",
		log.String("request_id", r.RequestID),
		log.String("ok", strconv.FormatBool(r.OK)),
		log.String("operation_name", r.OperationName),
		log.Int("duration_total_ms", int(r.Durations.Total)),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
