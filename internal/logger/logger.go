// Package logger предоставляет создание zap логгеров и обёртку ResponseWriter
// для логирования запросов к статусному API.
package logger

import (
	"fmt"
	"log"
	"net/http"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ResponseData содержит метаданные HTTP-ответа для логирования.
type ResponseData struct {
	Status int
	Size   int
}

// LoggingRW оборачивает http.ResponseWriter и накапливает код и размер ответа.
type LoggingRW struct {
	http.ResponseWriter
	ResponseData *ResponseData
}

func (r *LoggingRW) Write(b []byte) (int, error) {
	if r.ResponseData.Status == 0 {
		r.ResponseData.Status = http.StatusOK
	}
	size, err := r.ResponseWriter.Write(b)
	r.ResponseData.Size += size
	return size, err
}

func (r *LoggingRW) WriteHeader(statusCode int) {
	r.ResponseWriter.WriteHeader(statusCode)
	r.ResponseData.Status = statusCode
}

// NewLogger создаёт zap.SugaredLogger. В режиме debug используется development-конфигурация
// с уровнем debug, иначе production-конфигурация с уровнем level.
func NewLogger(debug bool, level string) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		if level != "" {
			lvl, err := zapcore.ParseLevel(level)
			if err != nil {
				log.Printf("unknown log level %q, using info", level)
				lvl = zapcore.InfoLevel
			}
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return logger.Sugar(), nil
}
