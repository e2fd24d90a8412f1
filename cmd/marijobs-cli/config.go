package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"marijobs-go/internal/config"
	"marijobs-go/internal/secrets"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or create the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration with secrets masked",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigInit,
}

var (
	configFormat string
	configForce  bool
)

func init() {
	configShowCmd.Flags().StringVar(&configFormat, "format", "yaml", "Output format: yaml, json")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	masked := maskConfig(cfg)
	switch configFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(masked)
	case "yaml":
		out, err := yaml.Marshal(masked)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		if err := masked.Validate(); err != nil {
			pterm.Warning.Printfln("configuration is not valid: %v", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q", configFormat)
	}
}

func runConfigInit(_ *cobra.Command, args []string) error {
	path := "configs/marijobs.yml"
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	def := config.DefaultConfig()
	// Secrets belong in the environment, not in the file.
	def.Telegram.Token = ""
	def.OpenRouter.APIKey = ""
	def.Database.URL = ""
	def.Database.SupabaseURL = ""
	def.Database.SupabaseKey = ""
	def.Redis.URL = ""
	def.App.EncryptionKey = ""
	if err := def.SaveConfig(path); err != nil {
		return err
	}
	pterm.Success.Printfln("Wrote %s", path)

	key, err := secrets.GenerateKey()
	if err != nil {
		return err
	}
	pterm.Info.Printfln("Suggested ENCRYPTION_KEY=%s", key)
	return nil
}

// maskConfig returns a copy of c that is safe to print.
func maskConfig(c *config.Config) *config.Config {
	out := *c
	out.Telegram.Token = maskString(c.Telegram.Token)
	out.OpenRouter.APIKey = maskString(c.OpenRouter.APIKey)
	out.Database.URL = maskURL(c.Database.URL)
	out.Database.SupabaseKey = maskString(c.Database.SupabaseKey)
	out.Redis.URL = maskURL(c.Redis.URL)
	out.App.EncryptionKey = maskString(c.App.EncryptionKey)
	out.Access.WhitelistedPhones = make([]string, len(c.Access.WhitelistedPhones))
	for i, phone := range c.Access.WhitelistedPhones {
		out.Access.WhitelistedPhones[i] = maskString(phone)
	}
	return &out
}

func maskString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}

// maskURL hides the password of a connection URL.
func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return maskString(raw)
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
