// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"continuumtasks/src/logging"

	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreDynamo   = "dynamodb"

	SchedulerNotify = "notify"
	SchedulerKafka  = "kafka"
)

type Config struct {
	DBUser     string
	DBPassword string
	DBName     string
	DBHost     string
	DBPort     string
	DBSSLMode  string

	StoreBackend   string
	DynamoTable    string
	AWSRegion      string
	DynamoEndpoint string

	SchedulerBackend string
	KafkaBrokers     string
	KafkaTopic       string
	KafkaGroupID     string

	PollingInterval time.Duration
	StaleAfter      time.Duration
	APIPort         string
	NodeID          string

	ContainerImage       string
	ContainerMemoryMB    int64
	ContainerCPULimit    float64
	ContainerIdleTimeout time.Duration
}

// Load reads .env when present, then the environment. Malformed numbers
// and durations fall back to their defaults with a warning.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	c := Config{
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),
		DBHost:     getenv("DB_HOST", "localhost"),
		DBPort:     getenv("DB_PORT", "5432"),
		DBSSLMode:  getenv("DB_SSLMODE", "require"),

		StoreBackend:   getenv("STORE_BACKEND", StorePostgres),
		DynamoTable:    getenv("DYNAMO_TABLE", "continuum_tasks"),
		AWSRegion:      getenv("AWS_REGION", "us-east-1"),
		DynamoEndpoint: os.Getenv("DYNAMO_ENDPOINT"),

		SchedulerBackend: getenv("SCHEDULER_BACKEND", SchedulerNotify),
		KafkaBrokers:     getenv("KAFKA_BROKERS", "localhost:9092"),
		KafkaTopic:       getenv("KAFKA_TOPIC", "continuum.tasks"),
		KafkaGroupID:     getenv("KAFKA_GROUP_ID", "continuum-workers"),

		PollingInterval: seconds("POLLING_INTERVAL", 5),
		StaleAfter:      duration("STALE_AFTER", time.Hour),
		APIPort:         getenv("API_PORT", "8080"),
		NodeID:          os.Getenv("NODE_ID"),

		ContainerImage:       getenv("CONTAINER_IMAGE", "python:3.9-slim"),
		ContainerMemoryMB:    int64(number("CONTAINER_MEMORY_MB", 512)),
		ContainerCPULimit:    float("CONTAINER_CPU_LIMIT", 0.5),
		ContainerIdleTimeout: duration("CONTAINER_IDLE_TIMEOUT", 5*time.Minute),
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory, StorePostgres, StoreDynamo:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.SchedulerBackend {
	case SchedulerNotify, SchedulerKafka:
	default:
		return fmt.Errorf("unknown SCHEDULER_BACKEND %q", c.SchedulerBackend)
	}
	if c.SchedulerBackend == SchedulerNotify && c.StoreBackend != StorePostgres {
		return fmt.Errorf("SCHEDULER_BACKEND=%s needs STORE_BACKEND=%s", SchedulerNotify, StorePostgres)
	}
	return nil
}

// DSN is the lib/pq connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=%s",
		c.DBUser, c.DBPassword, c.DBName, c.DBHost, c.DBPort, c.DBSSLMode)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func number(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		logging.Log(fmt.Sprintf("Warning: invalid %s %q, defaulting to %d", key, v, def), slog.LevelWarn)
		return def
	}
	return n
}

func float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		logging.Log(fmt.Sprintf("Warning: invalid %s %q, defaulting to %g", key, v, def), slog.LevelWarn)
		return def
	}
	return f
}

func seconds(key string, def int) time.Duration {
	return time.Duration(number(key, def)) * time.Second
}

func duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logging.Log(fmt.Sprintf("Warning: failed to parse %s '%s', defaulting to %s: %v", key, v, def, err), slog.LevelWarn)
		return def
	}
	return d
}
