package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// LoadEnv подгружает переменные окружения из локальных .env файлов
func LoadEnv(logger logrus.FieldLogger) {
	files := []string{".env", ".env.local"}
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("Failed to load %s", file)
			}
			continue
		}
		loaded = append(loaded, file)
	}
	if logger == nil {
		return
	}
	if len(loaded) == 0 {
		logger.Debug("No local env files loaded; relying on process environment")
	} else {
		logger.Debugf("Loaded env files: %s", strings.Join(loaded, ", "))
	}
}

// GetEnv получает переменную окружения или возвращает default
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt получает переменную окружения как int
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvFloat получает переменную окружения как float64
func GetEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvDuration принимает как "90s", так и целое число секунд
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// GetLogLevel уровень логирования из LOG_LEVEL
func GetLogLevel() logrus.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// ServiceConfig конфигурация процесса
type ServiceConfig struct {
	ServerPort     string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	MaxItems       int
	SweepInterval  time.Duration
	IdleTimeout    time.Duration
	NotifyWorkers  int
	NotifyQueue    int
	NotifyTimeout  time.Duration
	AccessToken    string
	RequestTimeout time.Duration
}

// LoadServiceConfig загружает конфигурацию из environment
func LoadServiceConfig() ServiceConfig {
	return ServiceConfig{
		ServerPort:     GetEnv("SERVER_PORT", "8080"),
		RedisAddr:      GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  GetEnv("REDIS_PASSWORD", ""),
		RedisDB:        GetEnvInt("REDIS_DB", 0),
		MaxItems:       GetEnvInt("MAX_ITEMS", DefaultMaxItems),
		SweepInterval:  GetEnvDuration("SWEEP_INTERVAL", 60*time.Second),
		IdleTimeout:    GetEnvDuration("IDLE_TIMEOUT", 3600*time.Second),
		NotifyWorkers:  GetEnvInt("NOTIFY_WORKERS", 4),
		NotifyQueue:    GetEnvInt("NOTIFY_QUEUE", 1000),
		NotifyTimeout:  GetEnvDuration("NOTIFY_TIMEOUT", 10*time.Second),
		AccessToken:    GetEnv("ACCESS_TOKEN", ""),
		RequestTimeout: GetEnvDuration("REQUEST_TIMEOUT", 10*time.Second),
	}
}
