package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// resolvedConfig is the printable part of a client config.
type resolvedConfig struct {
	Token                     string   `yaml:"token"`
	APIHost                   string   `yaml:"api_host"`
	PersistenceName           string   `yaml:"persistence_name,omitempty"`
	Persistence               string   `yaml:"persistence"`
	PropertyBlacklist         []string `yaml:"property_blacklist,omitempty"`
	PropertiesStringMaxLength int      `yaml:"properties_string_max_length"`
	RequestBatching           bool     `yaml:"request_batching"`
	CapturePerformance        bool     `yaml:"capture_performance"`
	AdvancedDisableDecide     bool     `yaml:"advanced_disable_decide"`
	CaptureMetrics            bool     `yaml:"capture_metrics"`
	SessionIdleTimeout        string   `yaml:"session_idle_timeout"`
	Compression               string   `yaml:"compression,omitempty"`
	StorageBackend            string   `yaml:"storage_backend"`
	StoragePath               string   `yaml:"storage_path,omitempty"`
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Validate and print the resolved client config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.clientConfig()
			if err != nil {
				return err
			}
			token := cfg.Token
			if len(token) > 8 {
				token = token[:8] + "..."
			}
			out := resolvedConfig{
				Token:                     token,
				APIHost:                   cfg.APIHost,
				PersistenceName:           cfg.PersistenceName,
				Persistence:               cfg.Persistence,
				PropertyBlacklist:         cfg.PropertyBlacklist,
				PropertiesStringMaxLength: cfg.PropertiesStringMaxLength,
				RequestBatching:           cfg.RequestBatching,
				CapturePerformance:        cfg.CapturePerformance,
				AdvancedDisableDecide:     cfg.AdvancedDisableDecide,
				CaptureMetrics:            cfg.CaptureMetrics,
				SessionIdleTimeout:        cfg.SessionIdleTimeout.String(),
				Compression:               cfg.Compression,
				StorageBackend:            cfg.Storage.Backend,
				StoragePath:               cfg.Storage.Path,
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(out); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
