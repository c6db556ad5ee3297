package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError накапливает все найденные ошибки конфигурации.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate возвращает *ValidationError со всеми проблемами cfg.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateClient(cfg, ve)
	validateServer(cfg, ve)
	validateLogger(cfg, ve)
	validateTLS(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validSchemes = map[string]bool{
	"ws":   true,
	"wss":  true,
	"unix": true,
}

func validateClient(cfg *Config, ve *ValidationError) {
	c := cfg.Client

	if c.ServiceURL == "" {
		if c.ServiceName == "" || c.TargetName == "" {
			ve.Add("client.service_url or both client.service_name and client.target_name must be set")
		}
	} else {
		u, err := url.Parse(c.ServiceURL)
		if err != nil {
			ve.Add("client.service_url: %v", err)
		} else if !validSchemes[u.Scheme] {
			ve.Add("client.service_url: unsupported scheme %q", u.Scheme)
		}
	}

	if c.CallTimeout <= 0 {
		ve.Add("client.call_timeout must be > 0")
	}
	if c.MaxBodySize < 0 {
		ve.Add("client.max_body_size must be >= 0")
	}
	if c.PreconnectRate < 0 {
		ve.Add("client.preconnect_rate must be >= 0")
	}
	if c.PreconnectRate > 0 && c.PreconnectBurst <= 0 {
		ve.Add("client.preconnect_burst must be > 0 when preconnect_rate is set")
	}
}

func validateServer(cfg *Config, ve *ValidationError) {
	s := cfg.Server

	if s.ListenAddr == "" && s.SocketPath == "" {
		ve.Add("server.listen_addr or server.socket_path must be set")
	}
	if s.ListenAddr != "" {
		if _, _, err := net.SplitHostPort(s.ListenAddr); err != nil {
			ve.Add("server.listen_addr: %v", err)
		}
	}
	if s.ListenAddr != "" && !strings.HasPrefix(s.Path, "/") {
		ve.Add("server.path must start with /")
	}
	if s.UpstreamTimeout < 0 {
		ve.Add("server.upstream_timeout must be >= 0")
	}
	if s.ShutdownTimeout <= 0 {
		ve.Add("server.shutdown_timeout must be > 0")
	}
}

var (
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validFormats = map[string]bool{"text": true, "json": true}
)

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level: unknown level %q", cfg.Logger.Level)
	}
	if !validFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format must be text or json, got %q", cfg.Logger.Format)
	}
}

func validateTLS(cfg *Config, ve *ValidationError) {
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		ve.Add("tls.cert_file and tls.key_file must be set together")
	}
}
