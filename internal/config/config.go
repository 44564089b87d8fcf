package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries the runtime settings for the API process.
type Config struct {
	Addr          string
	PGDSN         string
	Version       string
	RateBurst     int
	RatePerSec    float64
	MaxBodyBytes  int64
	SweepInterval time.Duration
}

// Load reads configuration from the environment, consulting a .env file
// when one is present in the working directory.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	return &Config{
		Addr:          getEnv("HELPMESH_ADDR", ":8080"),
		PGDSN:         getEnv("HELPMESH_PG_DSN", ""),
		Version:       getEnv("HELPMESH_VERSION", "dev"),
		RateBurst:     getEnvInt("HELPMESH_RATE_BURST", 20),
		RatePerSec:    getEnvFloat("HELPMESH_RATE_PER_SEC", 10),
		MaxBodyBytes:  int64(getEnvInt("HELPMESH_MAX_BODY_BYTES", 1<<20)),
		SweepInterval: getEnvDuration("HELPMESH_SWEEP_INTERVAL", time.Minute),
	}
}

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
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("invalid value for %s: %q, using default %d", key, value, fallback)
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Printf("invalid value for %s: %q, using default %g", key, value, fallback)
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("invalid value for %s: %q, using default %s", key, value, fallback)
		return fallback
	}
	return parsed
}
