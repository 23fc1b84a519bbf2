package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadCookies fills Cookies from CookieFile or CookieString
func (c *Config) LoadCookies() error {
	switch {
	case c.CookieFile != "":
		cookies, err := LoadCookiesFromFile(c.CookieFile)
		if err != nil {
			return fmt.Errorf("failed to load cookies from file: %w", err)
		}
		c.Cookies = cookies
	case c.CookieString != "":
		cookies := ParseCookieString(c.CookieString)
		if len(cookies) == 0 {
			return fmt.Errorf("failed to parse cookie string")
		}
		c.Cookies = cookies
	}
	return nil
}

// LoadCookiesFromFile reads a Netscape cookie file. Lines of plain
// name=value are accepted too.
func LoadCookiesFromFile(cookieFile string) (map[string]string, error) {
	file, err := os.Open(cookieFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("cookie file not found: %s", cookieFile)
		}
		return nil, err
	}
	defer file.Close()

	cookies := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// curl marks HttpOnly cookies with a comment-like prefix
		line = strings.TrimPrefix(line, "#HttpOnly_")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// domain, flag, path, secure, expiration, name, value
		parts := strings.Split(line, "\t")
		if len(parts) >= 7 {
			cookies[parts[5]] = parts[6]
			continue
		}
		if name, value, ok := strings.Cut(line, "="); ok {
			cookies[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}
	}
	return cookies, scanner.Err()
}

// ParseCookieString parses "key1=val1; key2=val2"
func ParseCookieString(cookieString string) map[string]string {
	cookies := make(map[string]string)
	for _, cookie := range strings.Split(cookieString, ";") {
		if name, value, ok := strings.Cut(strings.TrimSpace(cookie), "="); ok {
			cookies[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}
	}
	return cookies
}
