package auth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/cache"
)

// FileCache persists the MSAL token cache in one file so device code logins
// survive process restarts
type FileCache struct {
	path string
	mu   sync.Mutex
}

// NewFileCache returns a cache backed by path
func NewFileCache(path string) *FileCache {
	return &FileCache{path: path}
}

// Replace loads the file into MSAL's in-memory cache. A missing file is an
// empty cache.
func (c *FileCache) Replace(_ context.Context, u cache.Unmarshaler, _ cache.ReplaceHints) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read token cache: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := u.Unmarshal(data); err != nil {
		return fmt.Errorf("failed to parse token cache: %w", err)
	}
	return nil
}

// Export writes MSAL's in-memory cache to the file
func (c *FileCache) Export(_ context.Context, m cache.Marshaler, _ cache.ExportHints) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal token cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	// Write with restricted permissions
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write token cache: %w", err)
	}
	return nil
}

// Clear removes the cache file
func (c *FileCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DefaultCacheLocation returns the default cache file location
func DefaultCacheLocation() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "odata-client", "tokens.json")
	}
	if dir := os.Getenv("APPDATA"); dir != "" { // Windows
		return filepath.Join(dir, "odata-client", "tokens.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cache", "odata-client", "tokens.json")
}
