package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/firemoo/firemoo-go"
)

// Environment variables read after .env is loaded.
var envAttributes = map[string]string{
	"FIREMOO_API_KEY":     "api-key",
	"FIREMOO_BASE_URL":    "base-url",
	"FIREMOO_WEBSITE_URL": "website-url",
}

var flagAttributes = []string{"api-key", "base-url", "website-url"}

func addConfigFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("config", "", "YAML file with api-key, base-url and website-url")
	f.String("api-key", "", "project API key")
	f.String("base-url", "", "API base URL (default "+firemoo.DefaultBaseURL+")")
	f.String("website-url", "", "website origin sent with every request")
}

// loadConfig merges the config file, the environment and flags, in that
// order of increasing precedence.
func loadConfig(cmd *cobra.Command) (firemoo.Config, error) {
	attrs := map[string]string{}

	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return firemoo.Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &attrs); err != nil {
			return firemoo.Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	for env, attr := range envAttributes {
		if v := os.Getenv(env); v != "" {
			attrs[attr] = v
		}
	}
	for _, name := range flagAttributes {
		if cmd.Flags().Changed(name) {
			v, _ := cmd.Flags().GetString(name)
			attrs[name] = v
		}
	}

	cfg := firemoo.ConfigFromAttributes(attrs).Normalize()
	if err := cfg.Validate(); err != nil {
		return firemoo.Config{}, err
	}
	return cfg, nil
}

func newClient(cmd *cobra.Command) (*firemoo.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return firemoo.NewClient(cfg, firemoo.WithLogger(log.With().Str("component", "client").Logger()))
}
