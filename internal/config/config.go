package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/nats-io/nats.go"
)

// DefaultScope is requested when MICROSOFT_SCOPE is not set.
const DefaultScope = "https://graph.microsoft.com/.default"

type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Scope        string
	Username     string
	Password     string

	// Optional endpoint overrides, empty means the public Microsoft cloud.
	GraphBaseURL string
	LoginBaseURL string

	Service
	WorkerCount int
}

// Service holds the settings shared by every binary, including the api which
// never talks to Graph.
type Service struct {
	Port        string
	MetricsPort string
	NatsURL     string
	LogLevel    string
}

// LoadService reads PORT, METRICS_PORT, NATS_URL and LOG_LEVEL, applying defaults.
func LoadService() Service {
	svc := Service{
		Port:        os.Getenv("PORT"),
		MetricsPort: os.Getenv("METRICS_PORT"),
		NatsURL:     os.Getenv("NATS_URL"),
		LogLevel:    os.Getenv("LOG_LEVEL"),
	}
	if svc.Port == "" {
		svc.Port = "8080"
	}
	if svc.MetricsPort == "" {
		svc.MetricsPort = "9090"
	}
	if svc.NatsURL == "" {
		svc.NatsURL = nats.DefaultURL
	}
	if svc.LogLevel == "" {
		svc.LogLevel = "info"
	}
	return svc
}

func Load() (*Config, error) {
	workerCountStr := os.Getenv("WORKER_COUNT")
	if workerCountStr == "" {
		workerCountStr = "5"
	}
	workerCount, err := strconv.Atoi(workerCountStr)
	if err != nil {
		return nil, fmt.Errorf("invalid WORKER_COUNT: %w", err)
	}
	if workerCount < 1 {
		return nil, fmt.Errorf("invalid WORKER_COUNT: must be at least 1, got %d", workerCount)
	}

	cfg := &Config{
		TenantID:     os.Getenv("MICROSOFT_TENANT_ID"),
		ClientID:     os.Getenv("MICROSOFT_CLIENT_ID"),
		ClientSecret: os.Getenv("MICROSOFT_CLIENT_SECRET"),
		Scope:        os.Getenv("MICROSOFT_SCOPE"),
		Username:     os.Getenv("MICROSOFT_USERNAME"),
		Password:     os.Getenv("MICROSOFT_PASSWORD"),
		GraphBaseURL: os.Getenv("GRAPH_BASE_URL"),
		LoginBaseURL: os.Getenv("MICROSOFT_LOGIN_URL"),
		Service:      LoadService(),
		WorkerCount:  workerCount,
	}

	required := []struct {
		name  string
		value string
	}{
		{"MICROSOFT_TENANT_ID", cfg.TenantID},
		{"MICROSOFT_CLIENT_ID", cfg.ClientID},
		{"MICROSOFT_CLIENT_SECRET", cfg.ClientSecret},
		{"MICROSOFT_USERNAME", cfg.Username},
		{"MICROSOFT_PASSWORD", cfg.Password},
	}
	for _, r := range required {
		if r.value == "" {
			return nil, fmt.Errorf("%s environment variable is not set", r.name)
		}
	}

	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}

	return cfg, nil
}
