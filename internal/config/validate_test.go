package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{
			name:   "mesh discovery without names",
			modify: func(c *Config) { c.Client.ServiceURL = "" },
			want:   "client.service_url or both",
		},
		{
			name:   "zero call timeout",
			modify: func(c *Config) { c.Client.CallTimeout = 0 },
			want:   "client.call_timeout",
		},
		{
			name:   "rate without burst",
			modify: func(c *Config) { c.Client.PreconnectBurst = 0 },
			want:   "client.preconnect_burst",
		},
		{
			name: "nothing to listen on",
			modify: func(c *Config) {
				c.Server.ListenAddr = ""
				c.Server.SocketPath = ""
			},
			want: "server.listen_addr or server.socket_path",
		},
		{
			name:   "listen addr without port",
			modify: func(c *Config) { c.Server.ListenAddr = "localhost" },
			want:   "server.listen_addr",
		},
		{
			name:   "relative path",
			modify: func(c *Config) { c.Server.Path = "requests" },
			want:   "server.path",
		},
		{
			name:   "unknown level",
			modify: func(c *Config) { c.Logger.Level = "verbose" },
			want:   "logger.level",
		},
		{
			name:   "unknown format",
			modify: func(c *Config) { c.Logger.Format = "xml" },
			want:   "logger.format",
		},
		{
			name:   "cert without key",
			modify: func(c *Config) { c.TLS.CertFile = "c.pem" },
			want:   "tls.cert_file and tls.key_file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(cfg)

			err := Validate(cfg)

			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			require.Len(t, ve.Errors, 1)
			assert.Contains(t, ve.Errors[0], tt.want)
		})
	}
}

func TestValidateMeshDiscovery(t *testing.T) {
	cfg := Defaults()
	cfg.Client.ServiceURL = ""
	cfg.Client.ServiceName = "counter"
	cfg.Client.TargetName = "requests"

	require.NoError(t, Validate(cfg))
}

func TestValidateCollectsAll(t *testing.T) {
	cfg := Defaults()
	cfg.Client.CallTimeout = 0
	cfg.Logger.Format = "xml"

	err := Validate(cfg)

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Len(t, ve.Errors, 2)
	assert.Contains(t, err.Error(), "config validation failed")
}
