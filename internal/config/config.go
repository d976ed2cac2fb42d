// Package config builds the immutable UpstreamConfig threaded into every
// session. See SPEC_FULL.md §6/§10.3.
//
// Grounded on config/standard_config.go's toml-tagged struct shape (same
// "https://toml.io" convention, same field-per-setting layout) and
// configs.go's flag/env loading sequence; env vars take priority per
// SPEC_FULL.md §10.3, with an optional toml file as the base layer.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/edgeproxy/vlessgw/internal/vlessproto"
)

// SocksEndpoint describes an upstream SOCKS5 proxy the dispatcher may
// tunnel through.
type SocksEndpoint struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"user"`
	Password string `toml:"pass"`
}

// FileConf is the optional toml file layer, loaded before env vars are
// applied on top of it.
type FileConf struct {
	AcceptedUserIDs []string       `toml:"accepted_user_ids"`
	FallbackHost    string         `toml:"fallback_host"`
	FallbackPort    int            `toml:"fallback_port"`
	Socks           *SocksEndpoint `toml:"socks5"`
	Socks5RelayAll  bool           `toml:"socks5_relay_all"`
	EnableSocks     bool           `toml:"enable_socks"`
	DoHURL          string         `toml:"doh_url"`
}

// UpstreamConfig is the immutable per-process configuration threaded into
// every session. Constructed once at startup.
type UpstreamConfig struct {
	AcceptedUserIDs [][16]byte
	FallbackHost    string
	FallbackPort    int
	Socks           *SocksEndpoint
	Socks5RelayAll  bool
	EnableSocks     bool
	DoHURL          string
}

// HasFallback reports whether a fallback hop is configured.
func (c *UpstreamConfig) HasFallback() bool {
	return c.FallbackHost != ""
}

// HasSocks reports whether a SOCKS5 endpoint is configured.
func (c *UpstreamConfig) HasSocks() bool {
	return c.Socks != nil
}

// Load builds an UpstreamConfig from the environment, optionally layered
// on top of a toml file named by the VLESSGW_CONFIG_FILE env var. Env
// vars always win over the file on conflict.
func Load() (*UpstreamConfig, error) {
	var file FileConf
	if path := os.Getenv("VLESSGW_CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, &file); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	cfg := &UpstreamConfig{
		FallbackHost:   file.FallbackHost,
		FallbackPort:   file.FallbackPort,
		Socks5RelayAll: file.Socks5RelayAll,
		EnableSocks:    file.EnableSocks,
		DoHURL:         file.DoHURL,
	}
	if file.Socks != nil {
		cfg.Socks = &SocksEndpoint{
			Host:     file.Socks.Host,
			Port:     file.Socks.Port,
			Username: file.Socks.Username,
			Password: file.Socks.Password,
		}
	}

	ids := file.AcceptedUserIDs
	if env := os.Getenv("VLESSGW_ACCEPTED_USER_IDS"); env != "" {
		ids = strings.Split(env, ",")
	}
	for _, raw := range ids {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, ok := vlessproto.ParseUUID(raw)
		if !ok {
			return nil, fmt.Errorf("config: invalid accepted user id %q", raw)
		}
		cfg.AcceptedUserIDs = append(cfg.AcceptedUserIDs, u)
	}
	if len(cfg.AcceptedUserIDs) == 0 {
		return nil, fmt.Errorf("config: no accepted user ids configured")
	}

	if env := os.Getenv("VLESSGW_FALLBACK"); env != "" {
		host, port, err := splitHostPort(env)
		if err != nil {
			return nil, fmt.Errorf("config: VLESSGW_FALLBACK: %w", err)
		}
		cfg.FallbackHost, cfg.FallbackPort = host, port
	}

	if env := os.Getenv("VLESSGW_SOCKS5"); env != "" {
		endpoint, err := parseSocksEndpoint(env)
		if err != nil {
			return nil, fmt.Errorf("config: VLESSGW_SOCKS5: %w", err)
		}
		cfg.Socks = endpoint
	}

	if env := os.Getenv("VLESSGW_SOCKS5_RELAY_ALL"); env != "" {
		cfg.Socks5RelayAll = env == "1" || env == "true"
	}
	if env := os.Getenv("VLESSGW_ENABLE_SOCKS"); env != "" {
		cfg.EnableSocks = env == "1" || env == "true"
	}
	if env := os.Getenv("VLESSGW_DOH_URL"); env != "" {
		cfg.DoHURL = env
	}
	if cfg.DoHURL == "" {
		return nil, fmt.Errorf("config: no DoH URL configured")
	}

	return cfg, nil
}

// parseSocksEndpoint parses "[user:pass@]host:port".
func parseSocksEndpoint(s string) (*SocksEndpoint, error) {
	var cred string
	hostport := s
	if i := strings.LastIndex(s, "@"); i >= 0 {
		cred, hostport = s[:i], s[i+1:]
	}

	host, port, err := splitHostPort(hostport)
	if err != nil {
		return nil, err
	}

	e := &SocksEndpoint{Host: host, Port: port}
	if cred != "" {
		parts := strings.SplitN(cred, ":", 2)
		e.Username = parts[0]
		if len(parts) == 2 {
			e.Password = parts[1]
		}
	}
	return e, nil
}

func splitHostPort(s string) (string, int, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("missing port in %q", s)
	}
	port, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", s, err)
	}
	return s[:idx], port, nil
}
