package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	KubeconfigPath  string
	Namespace       string
	HostDomain      string
	IngressName     string
	DefaultPool     string
	BuilderImage    string
	SessionsPerNode int
	DefaultDuration time.Duration
	MaxDuration     time.Duration
	ReaperInterval  time.Duration
	MetricsAddr     string
	RabbitMQURL     string
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		KubeconfigPath:  getEnv("KUBECONFIG_PATH", ""),
		Namespace:       getEnv("PLAYGROUND_NAMESPACE", "playground"),
		HostDomain:      getEnv("HOST_DOMAIN", "playground.localdomain"),
		IngressName:     getEnv("INGRESS_NAME", "playground-sessions"),
		DefaultPool:     getEnv("DEFAULT_POOL", "default"),
		BuilderImage:    getEnv("BUILDER_IMAGE", "ghcr.io/playground-sh/builder:latest"),
		SessionsPerNode: getEnvInt("SESSIONS_PER_NODE", 2),
		DefaultDuration: getEnvDuration("SESSION_DEFAULT_DURATION", 3*time.Hour),
		MaxDuration:     getEnvDuration("SESSION_MAX_DURATION", 8*time.Hour),
		ReaperInterval:  getEnvDuration("REAPER_INTERVAL", 5*time.Second),
		MetricsAddr:     getEnv("METRICS_ADDR", ":9090"),
		RabbitMQURL:     getEnv("RABBITMQ_URL", ""),
	}
}

// Helper function to get env var with a default value
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Invalid value %q for %s, using default %d", value, key, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Invalid value %q for %s, using default %s", value, key, fallback)
		return fallback
	}
	return d
}
