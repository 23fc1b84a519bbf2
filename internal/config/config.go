package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Annotation presets accepted by the annotation setting
const (
	AnnotationsV4   = "v4"
	AnnotationsV401 = "v401"
)

// Config holds all configuration options for the OData client
type Config struct {
	// Service configuration
	ServiceURL string `mapstructure:"service_url"`

	// Authentication
	Username     string            `mapstructure:"username"`
	Password     string            `mapstructure:"password"`
	CookieFile   string            `mapstructure:"cookie_file"`
	CookieString string            `mapstructure:"cookie_string"`
	Cookies      map[string]string `mapstructure:"-"` // Parsed cookies
	Bearer       string            `mapstructure:"bearer"`

	// AAD authentication
	AuthAAD     bool   `mapstructure:"auth_aad"`      // Enable AAD authentication
	AADTenant   string `mapstructure:"aad_tenant"`    // Azure AD tenant ID
	AADClientID string `mapstructure:"aad_client_id"` // AAD app client ID
	AADScopes   string `mapstructure:"aad_scopes"`    // Comma-separated scopes
	AADCache    string `mapstructure:"aad_cache"`     // Token cache location
	AADBrowser  bool   `mapstructure:"aad_browser"`   // Open the device code page

	// Request behavior
	PageSize    int           `mapstructure:"page_size"`   // Prefer odata.maxpagesize, 0 = server default
	Annotations string        `mapstructure:"annotations"` // v4 or v401
	CSRF        bool          `mapstructure:"csrf"`        // SAP CSRF token handling
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"` // Initial backoff

	// Output and debugging
	Verbose bool `mapstructure:"verbose"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		AADTenant:   "common",
		Annotations: AnnotationsV4,
		Timeout:     30 * time.Second,
		MaxRetries:  3,
		RetryDelay:  100 * time.Millisecond,
	}
}

// SetDefaults registers Default's values with v so that environment
// variables for every key are honored by Unmarshal
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("service_url", "")
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("cookie_file", "")
	v.SetDefault("cookie_string", "")
	v.SetDefault("bearer", "")
	v.SetDefault("auth_aad", false)
	v.SetDefault("aad_tenant", d.AADTenant)
	v.SetDefault("aad_client_id", "")
	v.SetDefault("aad_scopes", "")
	v.SetDefault("aad_cache", "")
	v.SetDefault("aad_browser", false)
	v.SetDefault("page_size", 0)
	v.SetDefault("annotations", d.Annotations)
	v.SetDefault("csrf", false)
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("retry_delay", d.RetryDelay)
	v.SetDefault("verbose", false)
}

// Load unmarshals v into a Config, loads cookies and validates the result
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	if err := cfg.LoadCookies(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for conflicting or missing settings
func (c *Config) Validate() error {
	if c.ServiceURL == "" {
		return fmt.Errorf("OData service URL not provided. Use --service flag, positional argument, or ODATA_SERVICE_URL environment variable")
	}

	// Only one authentication method can be used at a time
	methods := 0
	if c.Username != "" {
		methods++
	}
	if c.CookieFile != "" || c.CookieString != "" {
		methods++
	}
	if c.Bearer != "" {
		methods++
	}
	if c.AuthAAD {
		methods++
	}
	if methods > 1 {
		return fmt.Errorf("only one authentication method can be used at a time")
	}
	if c.Username != "" && c.Password == "" {
		return fmt.Errorf("password is required for basic authentication")
	}

	switch c.Annotations {
	case AnnotationsV4, AnnotationsV401:
	default:
		return fmt.Errorf("unknown annotation preset %q (want %s or %s)", c.Annotations, AnnotationsV4, AnnotationsV401)
	}
	if c.PageSize < 0 {
		return fmt.Errorf("page size must not be negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	return nil
}

// HasBasicAuth returns true if username and password are configured
func (c *Config) HasBasicAuth() bool {
	return c.Username != "" && c.Password != ""
}

// HasCookieAuth returns true if cookies are configured
func (c *Config) HasCookieAuth() bool {
	return len(c.Cookies) > 0
}

// HasAADAuth returns true if AAD authentication is configured
func (c *Config) HasAADAuth() bool {
	return c.AuthAAD
}

// GetAADScopes returns the parsed AAD scopes
func (c *Config) GetAADScopes() []string {
	var scopes []string
	for _, scope := range strings.Split(c.AADScopes, ",") {
		scope = strings.TrimSpace(scope)
		if scope != "" {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}
