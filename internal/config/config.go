// Package config handles loading and validation of the Blade client
// configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const (
	// DefaultConfigPath is the default location for the client configuration file.
	DefaultConfigPath = "/etc/signalwire/blade-client.yaml"

	// DefaultPort is the upstream Blade port when none is given in the address.
	DefaultPort = 2100

	// maxNetworkProtocols bounds the SW_NETWORK_PROTOCOL_<n> env var scan.
	maxNetworkProtocols = 256
)

// Network holds the blade.connect network filter preferences.
type Network struct {
	RouteData         bool     `mapstructure:"route_data" yaml:"route_data"`
	RouteAdd          bool     `mapstructure:"route_add" yaml:"route_add"`
	RouteRemove       bool     `mapstructure:"route_remove" yaml:"route_remove"`
	AuthorityData     bool     `mapstructure:"authority_data" yaml:"authority_data"`
	AuthorityAdd      bool     `mapstructure:"authority_add" yaml:"authority_add"`
	AuthorityRemove   bool     `mapstructure:"authority_remove" yaml:"authority_remove"`
	FilteredProtocols bool     `mapstructure:"filtered_protocols" yaml:"filtered_protocols"`
	Protocols         []string `mapstructure:"protocols" yaml:"protocols"`
}

// Config holds all configuration for a Blade client session.
type Config struct {
	// Address is the upstream host:port to dial.
	Address string `mapstructure:"address" yaml:"address"`

	// PrivateKeyPath is the client's TLS private key.
	PrivateKeyPath string `mapstructure:"private_key_path" yaml:"private_key_path"`

	// ClientCertPath is the client's TLS certificate.
	ClientCertPath string `mapstructure:"client_cert_path" yaml:"client_cert_path"`

	// CertChainPath is an optional CA chain used to verify the upstream.
	CertChainPath string `mapstructure:"cert_chain_path" yaml:"cert_chain_path"`

	// Authentication is opaque credential material forwarded verbatim in
	// the blade.connect request.
	Authentication string `mapstructure:"authentication" yaml:"authentication"`

	// Agent is a free-form client identifier string.
	Agent string `mapstructure:"agent" yaml:"agent"`

	// Identity is the user-facing identity this session should register.
	Identity string `mapstructure:"identity" yaml:"identity"`

	// Network is the connect-time netcast filter.
	Network Network `mapstructure:"network" yaml:"network"`

	// SessionID, when set, requests session resumption on connect.
	SessionID string `mapstructure:"session_id" yaml:"session_id"`

	// LogLevel controls logging verbosity (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// Load reads configuration from the given file path, falling back to the
// default path if configPath is empty. Environment variables override
// file values, using the SW_ prefix the original client library's
// environment uses.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("network.route_data", true)
	v.SetDefault("network.authority_data", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(DefaultConfigPath)
	}

	v.SetEnvPrefix("SW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envBindings := map[string]string{
		"address":           "SW_ADDRESS",
		"private_key_path":  "SW_PRIVATE_KEY_PATH",
		"client_cert_path":  "SW_CLIENT_CERT_PATH",
		"cert_chain_path":   "SW_CERT_CHAIN_PATH",
		"authentication":    "SW_AUTHENTICATION",
		"agent":             "SW_AGENT",
		"identity":          "SW_IDENTITY",
		"session_id":        "SW_SESSION_ID",
		"log_level":         "SW_LOG_LEVEL",
		"network.route_data":       "SW_NETWORK_ROUTE_DATA",
		"network.route_add":        "SW_NETWORK_ROUTE_ADD",
		"network.route_remove":     "SW_NETWORK_ROUTE_REMOVE",
		"network.authority_data":   "SW_NETWORK_AUTHORITY_DATA",
		"network.authority_add":    "SW_NETWORK_AUTHORITY_ADD",
		"network.authority_remove": "SW_NETWORK_AUTHORITY_REMOVE",
	}
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			// Config file not found; rely on env vars and defaults.
		} else {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if cfg.Address != "" {
		if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
			cfg.Address = net.JoinHostPort(cfg.Address, strconv.Itoa(DefaultPort))
		}
	}

	cfg.Network.Protocols = append(cfg.Network.Protocols, indexedNetworkProtocols()...)
	if len(cfg.Network.Protocols) > 0 {
		cfg.Network.FilteredProtocols = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// indexedNetworkProtocols reads SW_NETWORK_PROTOCOL_0, SW_NETWORK_PROTOCOL_1,
// ... stopping at the first missing index, the same indexed-array idiom
// used for STUN server lists elsewhere in the example pack.
func indexedNetworkProtocols() []string {
	var out []string
	for i := 0; i < maxNetworkProtocols; i++ {
		v, ok := os.LookupEnv(fmt.Sprintf("SW_NETWORK_PROTOCOL_%d", i))
		if !ok {
			break
		}
		out = append(out, v)
	}
	return out
}

// Validate checks that all required configuration fields are present and
// well-formed.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if (c.PrivateKeyPath == "") != (c.ClientCertPath == "") {
		return fmt.Errorf("private_key_path and client_cert_path must be set together")
	}
	return nil
}
