// Package config loads the coordinator's configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Config holds every option the coordinator reads at startup.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string

	// Shared in-memory store connection parameters.
	RedisHost     string
	RedisPort     int
	RedisDB       int
	RedisPassword string

	// NodeSecret signs and verifies node traffic; ClientSecret verifies
	// operator traffic.
	NodeSecret   []byte
	ClientSecret []byte

	// TestsPath is the on-disk root of the package repository.
	TestsPath string

	// DatabasePath locates the sqlite database file.
	DatabasePath string
}

// Load reads the configuration from the environment. The two secrets are
// mandatory; everything else has a development default.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:          getenv("C2_ADDR", ":5000"),
		RedisHost:     getenv("C2_REDIS_HOST", "localhost"),
		RedisPassword: os.Getenv("C2_REDIS_PASSWORD"),
		TestsPath:     getenv("C2_TESTS_PATH", "test_sets"),
		DatabasePath:  getenv("C2_DATABASE_PATH", "secchiware.db"),
	}

	var err error
	if cfg.RedisPort, err = getenvInt("C2_REDIS_PORT", 6379); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = getenvInt("C2_REDIS_DB", 0); err != nil {
		return nil, err
	}

	nodeSecret := os.Getenv("C2_NODE_SECRET")
	if nodeSecret == "" {
		return nil, errors.New("C2_NODE_SECRET must be set")
	}
	clientSecret := os.Getenv("C2_CLIENT_SECRET")
	if clientSecret == "" {
		return nil, errors.New("C2_CLIENT_SECRET must be set")
	}
	cfg.NodeSecret = []byte(nodeSecret)
	cfg.ClientSecret = []byte(clientSecret)

	return cfg, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", k, err)
	}
	return n, nil
}
