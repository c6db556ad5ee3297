package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/LLIEPJIOK/service-mesh/requests/pkg/protocol"
)

type MeshClient struct {
	*protocol.Client
	Container string
}

type Config struct {
	ServiceName string                // Имя текущего сервиса
	TargetName  string                // Имя сервиса запросов
	Client      protocol.ClientConfig // URL берётся из ответа sidecar
	SidecarURL  string                // По умолчанию http://<ServiceName>-sidecar:8080
	HTTPClient  *http.Client
}

func New(ctx context.Context, cfg Config) (*MeshClient, error) {
	address, container, err := getAddress(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to get address: %w", err)
	}

	clientCfg := cfg.Client
	clientCfg.URL = address

	c := protocol.NewClient(clientCfg)
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", container, err)
	}

	return &MeshClient{
		Client:    c,
		Container: container,
	}, nil
}

func getAddress(ctx context.Context, cfg Config) (string, string, error) {
	sidecar := cfg.SidecarURL
	if sidecar == "" {
		sidecar = fmt.Sprintf("http://%s-sidecar:8080", cfg.ServiceName)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		strings.TrimSuffix(sidecar, "/")+"/address?service="+url.QueryEscape(cfg.TargetName),
		nil,
	)
	if err != nil {
		return "", "", err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var address string

	if err := json.NewDecoder(resp.Body).Decode(&address); err != nil {
		return "", "", fmt.Errorf("failed to decode address response: %w", err)
	}

	return parseAddress(address)
}

// parseAddress принимает готовый адрес сервиса (ws://, wss://, unix://) или
// адрес sidecar вида "http://requests-1-sidecar:8080".
func parseAddress(address string) (string, string, error) {
	if u, err := url.Parse(address); err == nil {
		switch u.Scheme {
		case "ws", "wss":
			return address, u.Hostname(), nil
		case "unix":
			return address, "local", nil
		}
	}

	address = strings.TrimPrefix(address, "http://")
	address = strings.TrimPrefix(address, "https://")

	// Имя контейнера без -sidecar и без порта
	idx := strings.Index(address, "-sidecar")
	if idx <= 0 {
		return "", "", fmt.Errorf("invalid address format: %s", address)
	}
	container := address[:idx]

	// С / в конце, чтобы не было редиректа
	return "ws://" + container + ":9090/", container, nil
}
