package auth

import (
	"fmt"
	"net/url"

	"github.com/google/uuid"
)

// AADConfig holds Azure AD authentication configuration
type AADConfig struct {
	// TenantID is the Azure AD tenant ID (e.g., "contoso.onmicrosoft.com" or GUID)
	// Use "common" for multi-tenant applications
	TenantID string

	// ClientID is the application (client) ID from app registration
	ClientID string

	// Scopes are the permissions requested (e.g., ["https://sapserver.com/.default"])
	Scopes []string

	// CacheLocation is the path for token cache storage (optional)
	CacheLocation string

	// Authority URL (optional, defaults to public cloud)
	Authority string

	// Browser opens the device code verification page
	Browser bool
}

// DefaultAADConfig returns a default AAD configuration
func DefaultAADConfig() *AADConfig {
	return &AADConfig{
		TenantID: "common",
		Scopes:   []string{},
	}
}

// Validate checks if the AAD configuration is valid
func (c *AADConfig) Validate() error {
	if c.TenantID == "" {
		return fmt.Errorf("tenant ID is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}
	if _, err := uuid.Parse(c.ClientID); err != nil {
		return fmt.Errorf("client ID must be a valid GUID: %w", err)
	}
	return nil
}

// GetAuthority returns the authority URL for the tenant
func (c *AADConfig) GetAuthority() string {
	if c.Authority != "" {
		return c.Authority
	}
	return "https://login.microsoftonline.com/" + c.TenantID
}

// GetDefaultScopes returns the configured scopes, or the ".default" scope of
// the service host
func (c *AADConfig) GetDefaultScopes(serviceURL string) []string {
	if len(c.Scopes) > 0 {
		return c.Scopes
	}
	return []string{resourceOf(serviceURL) + "/.default"}
}

// resourceOf reduces a service URL to its https origin
func resourceOf(serviceURL string) string {
	u, err := url.Parse(serviceURL)
	if err != nil || u.Host == "" {
		return "https://" + serviceURL
	}
	return "https://" + u.Host
}
