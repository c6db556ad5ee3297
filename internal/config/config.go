package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Client ClientConfig `yaml:"client"`
	Server ServerConfig `yaml:"server"`
	Logger LoggerConfig `yaml:"logger"`
	TLS    TLSConfig    `yaml:"tls"`
}

type ClientConfig struct {
	// ws://, wss:// или unix://. Пустой адрес - поиск сервиса через sidecar
	ServiceURL      string        `yaml:"service_url"`
	ServiceName     string        `yaml:"service_name"`
	TargetName      string        `yaml:"target_name"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	MaxBodySize     int64         `yaml:"max_body_size"`
	PreconnectRate  float64       `yaml:"preconnect_rate"` // подсказок в секунду, 0 - без лимита
	PreconnectBurst int           `yaml:"preconnect_burst"`
}

type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	Path            string        `yaml:"path"`
	SocketPath      string        `yaml:"socket_path"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TLSConfig - файлы клиентского сертификата для ответа на запросы
// сертификата. Файлы перечитываются при изменении.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

func Defaults() *Config {
	return &Config{
		Client: ClientConfig{
			ServiceURL:      "ws://localhost:9090/",
			CallTimeout:     30 * time.Second,
			MaxBodySize:     64 << 20,
			PreconnectRate:  10,
			PreconnectBurst: 20,
		},
		Server: ServerConfig{
			ListenAddr:      ":9090",
			Path:            "/",
			UpstreamTimeout: 5 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load читает YAML из path поверх Defaults. Отсутствующий файл не ошибка.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides переносит переменные окружения REQUESTS_* в cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REQUESTS_SERVICE_URL"); v != "" {
		cfg.Client.ServiceURL = v
	}
	if v := os.Getenv("REQUESTS_SERVICE_NAME"); v != "" {
		cfg.Client.ServiceName = v
	}
	if v := os.Getenv("REQUESTS_TARGET_NAME"); v != "" {
		cfg.Client.TargetName = v
	}
	if v := os.Getenv("REQUESTS_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Client.CallTimeout = d
		}
	}
	if v := os.Getenv("REQUESTS_MAX_BODY_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.Client.MaxBodySize = n
		}
	}
	if v := os.Getenv("REQUESTS_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("REQUESTS_SOCKET_PATH"); v != "" {
		cfg.Server.SocketPath = v
	}
	if v := os.Getenv("REQUESTS_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("REQUESTS_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("REQUESTS_TLS_CERT_FILE"); v != "" {
		cfg.TLS.CertFile = v
	}
	if v := os.Getenv("REQUESTS_TLS_KEY_FILE"); v != "" {
		cfg.TLS.KeyFile = v
	}
}
