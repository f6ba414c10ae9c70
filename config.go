package firemoo

import (
	"strings"
)

// Defaults applied by Normalize.
const (
	DefaultBaseURL      = "https://api-firemoo.dmpt.my.id"
	DefaultPrimaryColor = "#10b981"
	DefaultTextColor    = "#ffffff"

	PositionBottomRight = "bottom-right"
	PositionBottomLeft  = "bottom-left"
)

// Config holds the embedding parameters of a widget or SDK client.
type Config struct {
	APIKey       string `yaml:"api-key"`
	BaseURL      string `yaml:"base-url"`
	WebsiteURL   string `yaml:"website-url"`
	PrimaryColor string `yaml:"primary-color"`
	TextColor    string `yaml:"text-color"`
	Position     string `yaml:"position"`
}

// attribute aliases, in lookup order.
var attributeKeys = map[string][]string{
	"api-key":       {"api-key", "data-api-key"},
	"base-url":      {"base-url", "data-base-url", "url", "data-url"},
	"website-url":   {"website-url", "data-website-url"},
	"primary-color": {"primary-color", "data-primary-color"},
	"text-color":    {"text-color", "data-text-color"},
	"position":      {"position", "data-position"},
}

// ConfigFromAttributes reads the embedding-tag attribute surface. Unknown
// attributes are ignored; the result is not yet normalized.
func ConfigFromAttributes(attrs map[string]string) Config {
	get := func(name string) string {
		for _, k := range attributeKeys[name] {
			if v := strings.TrimSpace(attrs[k]); v != "" {
				return v
			}
		}
		return ""
	}
	return Config{
		APIKey:       get("api-key"),
		BaseURL:      get("base-url"),
		WebsiteURL:   get("website-url"),
		PrimaryColor: get("primary-color"),
		TextColor:    get("text-color"),
		Position:     get("position"),
	}
}

// Normalize fills defaults and canonicalizes the base URL: one trailing
// slash is stripped and a missing scheme becomes https.
func (c Config) Normalize() Config {
	c.APIKey = strings.TrimSpace(c.APIKey)
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimSuffix(strings.TrimSpace(c.BaseURL), "/")
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		c.BaseURL = "https://" + c.BaseURL
	}
	if c.PrimaryColor == "" {
		c.PrimaryColor = DefaultPrimaryColor
	}
	if c.TextColor == "" {
		c.TextColor = DefaultTextColor
	}
	if c.Position == "" {
		c.Position = PositionBottomRight
	}
	return c
}

// Validate rejects configurations the client cannot start with. A missing
// API key is fatal.
func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return &ConfigError{Field: "api-key", Value: c.APIKey, Err: ErrMissingAPIKey}
	}
	switch c.Position {
	case "", PositionBottomRight, PositionBottomLeft:
	default:
		return &ConfigError{Field: "position", Value: c.Position, Err: ErrInvalidPosition}
	}
	return nil
}
