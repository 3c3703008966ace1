package logging

import (
	"io"

	"github.com/sirupsen/logrus"

	"anomaly-monitor/internal/config"
)

// Logger общий тип логгера сервиса
type Logger = logrus.FieldLogger

// Fields структурированные поля записи
type Fields = logrus.Fields

// NewLogger создает логгер с JSON форматом и уровнем из LOG_LEVEL
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithService создает логгер, добавляющий поле service в каждую запись
func NewLoggerWithService(serviceName string) *logrus.Entry {
	return NewLogger().WithField("service", serviceName)
}

// NewNopLogger логгер, отбрасывающий все записи (для тестов)
func NewNopLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
