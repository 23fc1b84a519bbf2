package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"

	"github.com/zmcp/odata-client/internal/auth"
	"github.com/zmcp/odata-client/internal/client"
	"github.com/zmcp/odata-client/internal/config"
	"github.com/zmcp/odata-client/internal/debug"
	"github.com/zmcp/odata-client/internal/decode"
	"github.com/zmcp/odata-client/internal/metadata"
	"github.com/zmcp/odata-client/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:   "odata-client",
	Short: "OData v4 client - typed queries, paging and $batch from the command line",
	Long: `OData v4 client - typed queries, paging and $batch from the command line.

Queries are validated against the service's $metadata before they are sent,
responses are typed per the schema and printed as JSON.

Examples:
  odata-client query Movies --service https://host/odata/ --filter "Year gt 2000" --top 10
  odata-client query Movies --key 42 --expand Director
  odata-client get Movies 1 2 3
  odata-client batch requests.json
  odata-client metadata --user admin --password secret

Every flag can also be set as ODATA_<FLAG> in the environment or a .env file,
e.g. ODATA_SERVICE_URL, ODATA_PAGE_SIZE, ODATA_COOKIE_FILE.`,
	SilenceUsage: true,
}

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()

	flags := rootCmd.PersistentFlags()

	// Service URL
	flags.String("service", "", "URL of the OData service root (ODATA_SERVICE_URL)")

	// Authentication flags (mutually exclusive handled in validation)
	flags.StringP("user", "u", "", "Username for basic authentication")
	flags.StringP("password", "p", "", "Password for basic authentication")
	flags.String("cookie-file", "", "Path to cookie file in Netscape format")
	flags.String("cookie-string", "", "Cookie string (key1=val1; key2=val2)")
	flags.String("bearer", "", "Bearer token sent as Authorization header")

	// AAD authentication
	flags.Bool("auth-aad", false, "Use Azure AD device code authentication")
	flags.String("aad-tenant", "common", "Azure AD tenant ID")
	flags.String("aad-client-id", "", "Azure AD application (client) ID")
	flags.String("aad-scopes", "", "Comma-separated OAuth2 scopes (default: service host + /.default)")
	flags.String("aad-cache", "", "Token cache file (default: no persistent cache)")
	flags.Bool("aad-browser", false, "Open the device code page in a browser")

	// Request behavior
	flags.Int("page-size", 0, "Preferred server page size (Prefer: odata.maxpagesize)")
	flags.String("annotations", config.AnnotationsV4, "Annotation names to decode: v4 (@odata.*) or v401 (@*)")
	flags.Bool("csrf", false, "Fetch and send SAP CSRF tokens for modifying requests")
	flags.Duration("timeout", 0, "HTTP timeout per request (default 30s)")
	flags.Int("max-retries", 3, "Retries for transient failures")
	flags.Duration("retry-delay", 0, "Initial retry backoff (default 100ms)")

	// Output and debugging
	flags.BoolP("verbose", "v", false, "Enable verbose output to stderr")

	bindings := map[string]string{
		"service_url":   "service",
		"username":      "user",
		"password":      "password",
		"cookie_file":   "cookie-file",
		"cookie_string": "cookie-string",
		"bearer":        "bearer",
		"auth_aad":      "auth-aad",
		"aad_tenant":    "aad-tenant",
		"aad_client_id": "aad-client-id",
		"aad_scopes":    "aad-scopes",
		"aad_cache":     "aad-cache",
		"aad_browser":   "aad-browser",
		"page_size":     "page-size",
		"annotations":   "annotations",
		"csrf":          "csrf",
		"timeout":       "timeout",
		"max_retries":   "max-retries",
		"retry_delay":   "retry-delay",
		"verbose":       "verbose",
	}
	config.SetDefaults(viper.GetViper())
	for key, flag := range bindings {
		viper.BindPFlag(key, flags.Lookup(flag))
	}

	viper.SetEnvPrefix("ODATA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(newQueryCmd(), newGetCmd(), newBatchCmd(), newMetadataCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app is what every command needs: the loaded configuration, a logger and a
// session
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	session *client.Session
	out     io.Writer
}

// setup loads the configuration and opens a session. With typed set, the
// service's $metadata is fetched and the session is bound to its schema.
func setup(cmd *cobra.Command, typed bool) (*app, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Verbose)
	logger.Debug("configuration loaded",
		"service", debug.MaskURL(cfg.ServiceURL),
		"username", cfg.Username,
		"password", debug.MaskPassword(cfg.Password),
		"cookies", len(cfg.Cookies),
		"aad", cfg.HasAADAuth(),
		"page_size", cfg.PageSize)

	ctx := cmd.Context()
	a := &app{cfg: cfg, logger: logger, out: cmd.OutOrStdout()}

	session, err := a.newSession(nil, settingsFrom(cfg))
	if err != nil {
		return nil, err
	}

	if cfg.HasAADAuth() {
		if err := authorizeAAD(ctx, cfg, logger, session); err != nil {
			return nil, err
		}
	}

	if typed {
		meta, err := session.Metadata(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load service metadata: %w", err)
		}
		session, err = a.newSession(metadata.NewResolver(meta), session.Settings())
		if err != nil {
			return nil, err
		}
	}
	a.session = session
	return a, nil
}

func (a *app) newSession(resolver *metadata.Resolver, settings client.Settings) (*client.Session, error) {
	cfg := a.cfg

	retry := client.DefaultRetryConfig()
	retry.MaxRetries = cfg.MaxRetries
	if cfg.RetryDelay > 0 {
		retry.InitialBackoff = cfg.RetryDelay
	}
	transportOpts := []client.TransportOption{
		client.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		client.WithRetry(retry),
		client.WithTransportLogger(a.logger),
	}
	if cfg.CSRF {
		transportOpts = append(transportOpts, client.WithCSRF(cfg.ServiceURL))
	}

	annotations := decode.V4Annotations()
	if cfg.Annotations == config.AnnotationsV401 {
		annotations = decode.V401Annotations()
	}

	return client.New(cfg.ServiceURL,
		client.WithTransport(client.NewHTTPTransport(transportOpts...)),
		client.WithResolver(resolver),
		client.WithDecoder(decode.New(resolver, annotations)),
		client.WithLogger(a.logger),
		client.WithInstruments(observability.New(otel.GetTracerProvider(), otel.GetMeterProvider())),
		client.WithSettings(settings),
	)
}

func settingsFrom(cfg *config.Config) client.Settings {
	st := client.Settings{PageSize: cfg.PageSize}
	switch {
	case cfg.HasBasicAuth():
		st.Username, st.Password = cfg.Username, cfg.Password
	case cfg.HasCookieAuth():
		st.Cookies = cfg.Cookies
	case cfg.Bearer != "":
		st.Authorization = "Bearer " + cfg.Bearer
	}
	return st
}

func authorizeAAD(ctx context.Context, cfg *config.Config, logger *slog.Logger, session *client.Session) error {
	aadConfig := &auth.AADConfig{
		TenantID:      cfg.AADTenant,
		ClientID:      cfg.AADClientID,
		Scopes:        cfg.GetAADScopes(),
		CacheLocation: cfg.AADCache,
		Browser:       cfg.AADBrowser,
	}
	if aadConfig.ClientID == "" {
		// Well-known Azure CLI client ID; register an app for production use
		aadConfig.ClientID = "04b07795-8ddb-461a-bbee-02f9e1bf7b46"
		logger.Debug("using default Azure CLI client ID for AAD authentication")
	}

	provider, err := auth.NewProvider(aadConfig, auth.WithAuthLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create AAD auth provider: %w", err)
	}
	token, err := provider.Authorize(ctx, session, cfg.ServiceURL)
	if err != nil {
		return fmt.Errorf("AAD authentication failed: %w", err)
	}
	logger.Debug("AAD token installed", "token", debug.MaskToken(token.AccessToken), "expires", token.ExpiresAt)
	return nil
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (a *app) printJSON(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
