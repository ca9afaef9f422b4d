// Package config loads process configuration from the environment. All
// services share one Config; each binary reads the subset it needs. Parsing
// happens once at startup so misconfiguration fails fast rather than on the
// first request.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config carries the environment-driven settings shared by the ingress,
// admin and worker services.
type Config struct {
	// TenantID is the default tenant UUID used when callers omit one.
	TenantID string
	// ProjectID and Region identify the hosting project for queue dispatch.
	ProjectID string
	Region    string
	// ServiceName tags log lines and metrics.
	ServiceName string

	// WorkerURL is the base URL of the worker service (queue target).
	WorkerURL string
	// IngressPublicBaseURL is the externally reachable ingress base URL,
	// used when registering provider webhooks.
	IngressPublicBaseURL string
	// TasksInvokerSAEmail is the service account expected to invoke the
	// worker dispatch endpoint.
	TasksInvokerSAEmail string

	// LLMProvider selects the model backend ("openai" or "anthropic").
	LLMProvider string
	// LLMModel is the default model identifier.
	LLMModel string

	// LocalDev switches to local development wiring: secrets from the
	// environment, direct HTTP queue dispatch and no OIDC verification.
	LocalDev bool

	// HTTPPort is the listen port for the service HTTP server.
	HTTPPort string

	// Database connection settings.
	Database Database

	// RedisAddr and RedisPassword configure the Redis connection backing
	// the durable queue.
	RedisAddr     string
	RedisPassword string
}

// Database holds relational store connection settings.
type Database struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	PoolMax  int
}

// DSN renders the Postgres connection string.
func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s sslmode=disable",
		d.Host, d.Port, d.Name, d.User, d.Password)
}

// Load reads configuration from the environment and applies defaults.
func Load() (Config, error) {
	poolMax, err := intEnv("DATABASE_POOL_MAX", 5)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		TenantID:             getenv("TENANT_ID", "00000000-0000-0000-0000-000000000001"),
		ProjectID:            os.Getenv("PROJECT_ID"),
		Region:               os.Getenv("REGION"),
		ServiceName:          getenv("SERVICE_NAME", "dealflow"),
		WorkerURL:            getenv("WORKER_URL", "http://localhost:8082"),
		IngressPublicBaseURL: os.Getenv("INGRESS_PUBLIC_BASE_URL"),
		TasksInvokerSAEmail:  os.Getenv("TASKS_INVOKER_SA_EMAIL"),
		LLMProvider:          getenv("LLM_PROVIDER", "openai"),
		LLMModel:             getenv("LLM_MODEL", "gpt-4o"),
		LocalDev:             Truthy(os.Getenv("LOCAL_DEV")),
		HTTPPort:             getenv("PORT", "8080"),
		Database: Database{
			Host:     getenv("DATABASE_HOST", "localhost"),
			Port:     getenv("DATABASE_PORT", "5432"),
			Name:     getenv("DATABASE_NAME", "dealflow"),
			User:     getenv("DATABASE_USER", "dealflow"),
			Password: os.Getenv("DATABASE_PASSWORD"),
			PoolMax:  poolMax,
		},
		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
	}
	return cfg, nil
}

// Truthy reports whether a configuration value should be treated as enabled.
func Truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "t", "true", "y", "yes", "on":
		return true
	}
	return false
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}
