// Package auth acquires Azure AD bearer tokens for OData services that accept
// them, using MSAL's silent and device code flows.
package auth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/public"
	"github.com/pkg/browser"
)

// refreshMargin is how long before expiry a token is renewed
const refreshMargin = 5 * time.Minute

// Token is an AAD access token with metadata
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
	Scopes      []string
}

// Authorization is the token as an Authorization header value
func (t *Token) Authorization() string {
	return "Bearer " + t.AccessToken
}

// Authorizer receives Authorization header values. *client.Session satisfies it.
type Authorizer interface {
	SetAuthorization(value string)
}

// tokenSource is the part of MSAL the provider drives
type tokenSource interface {
	silent(ctx context.Context, scopes []string) (*Token, error)
	deviceCode(ctx context.Context, scopes []string, show func(userCode, verificationURL string)) (*Token, error)
	clear(ctx context.Context) error
}

// ProviderOption configures a Provider
type ProviderOption func(*Provider)

// WithAuthLogger sets the logger for token acquisition
func WithAuthLogger(logger *slog.Logger) ProviderOption {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPrompt sets where device code instructions are written; stderr by default
func WithPrompt(w io.Writer) ProviderOption {
	return func(p *Provider) {
		if w != nil {
			p.prompt = w
		}
	}
}

// Provider handles Azure AD authentication. It is safe for concurrent use.
type Provider struct {
	config      *AADConfig
	source      tokenSource
	logger      *slog.Logger
	prompt      io.Writer
	openBrowser func(string) error
	now         func() time.Time

	mu     sync.Mutex
	tokens map[string]*Token // Cache by scope
}

// NewProvider creates an MSAL-backed provider
func NewProvider(config *AADConfig, opts ...ProviderOption) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid AAD configuration: %w", err)
	}

	clientOptions := []public.Option{public.WithAuthority(config.GetAuthority())}
	if config.CacheLocation != "" {
		clientOptions = append(clientOptions, public.WithCache(NewFileCache(config.CacheLocation)))
	}
	client, err := public.New(config.ClientID, clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create MSAL client: %w", err)
	}
	return newProvider(config, &msalSource{client: client}, opts...), nil
}

func newProvider(config *AADConfig, source tokenSource, opts ...ProviderOption) *Provider {
	p := &Provider{
		config:      config,
		source:      source,
		logger:      slog.New(slog.DiscardHandler),
		prompt:      os.Stderr,
		openBrowser: browser.OpenURL,
		now:         time.Now,
		tokens:      make(map[string]*Token),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Token returns a valid token for scopes: from memory, silently from the MSAL
// cache, or by device code login as a last resort
func (p *Provider) Token(ctx context.Context, scopes []string) (*Token, error) {
	key := cacheKey(scopes)

	p.mu.Lock()
	defer p.mu.Unlock()

	if cached, ok := p.tokens[key]; ok && p.fresh(cached) {
		p.logger.Debug("using cached AAD token", "expires", cached.ExpiresAt.Format(time.RFC3339))
		return cached, nil
	}

	token, err := p.source.silent(ctx, scopes)
	if err == nil {
		p.logger.Debug("acquired AAD token silently")
		p.tokens[key] = token
		return token, nil
	}
	p.logger.Debug("silent token acquisition failed", "error", err)

	token, err = p.source.deviceCode(ctx, scopes, p.showDeviceCode)
	if err != nil {
		return nil, fmt.Errorf("device code authentication failed: %w", err)
	}
	p.logger.Debug("AAD authentication successful", "expires", token.ExpiresAt.Format(time.RFC3339))
	p.tokens[key] = token
	return token, nil
}

// Authorize acquires a token for the service and installs it on a
func (p *Provider) Authorize(ctx context.Context, a Authorizer, serviceURL string) (*Token, error) {
	token, err := p.Token(ctx, p.config.GetDefaultScopes(serviceURL))
	if err != nil {
		return nil, err
	}
	a.SetAuthorization(token.Authorization())
	return token, nil
}

// ClearCache forgets every token, in memory and in the MSAL cache
func (p *Provider) ClearCache(ctx context.Context) error {
	p.mu.Lock()
	p.tokens = make(map[string]*Token)
	p.mu.Unlock()
	return p.source.clear(ctx)
}

func (p *Provider) fresh(t *Token) bool {
	return t.ExpiresAt.After(p.now().Add(refreshMargin))
}

func (p *Provider) showDeviceCode(userCode, verificationURL string) {
	fmt.Fprintln(p.prompt, "=== Azure AD Authentication Required ===")
	fmt.Fprintf(p.prompt, "To sign in, use a web browser to open the page %s\n", verificationURL)
	fmt.Fprintf(p.prompt, "Enter the code: %s\n", userCode)
	fmt.Fprintln(p.prompt, "Waiting for authentication...")

	if p.config.Browser {
		if err := p.openBrowser(verificationURL); err != nil {
			p.logger.Warn("failed to open browser", "error", err)
		}
	}
}

func cacheKey(scopes []string) string {
	sorted := slices.Clone(scopes)
	slices.Sort(sorted)
	return strings.Join(sorted, " ")
}

// msalSource adapts an MSAL public client
type msalSource struct {
	client public.Client
}

func (m *msalSource) silent(ctx context.Context, scopes []string) (*Token, error) {
	accounts, err := m.client.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("no cached account")
	}
	result, err := m.client.AcquireTokenSilent(ctx, scopes, public.WithSilentAccount(accounts[0]))
	if err != nil {
		return nil, err
	}
	return &Token{AccessToken: result.AccessToken, ExpiresAt: result.ExpiresOn, Scopes: scopes}, nil
}

func (m *msalSource) deviceCode(ctx context.Context, scopes []string, show func(string, string)) (*Token, error) {
	dc, err := m.client.AcquireTokenByDeviceCode(ctx, scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to initiate device code flow: %w", err)
	}
	show(dc.Result.UserCode, dc.Result.VerificationURL)

	result, err := dc.AuthenticationResult(ctx)
	if err != nil {
		return nil, err
	}
	return &Token{AccessToken: result.AccessToken, ExpiresAt: result.ExpiresOn, Scopes: scopes}, nil
}

func (m *msalSource) clear(ctx context.Context) error {
	accounts, err := m.client.Accounts(ctx)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		if err := m.client.RemoveAccount(ctx, account); err != nil {
			return fmt.Errorf("failed to remove account from cache: %w", err)
		}
	}
	return nil
}
