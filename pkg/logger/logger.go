package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/breathai-tgbot-go/internal/config"
	"github.com/breathai-tgbot-go/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	jsonTimeLayout = "2006-01-02T15:04:05.000Z07:00"
	textTimeLayout = "2006-01-02 15:04:05"
)

// NewLogger builds the process logger from the logging section of the config.
// An unknown level or output is rejected rather than silently defaulted.
func NewLogger(cfg *config.LoggingConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	out, err := openOutput(cfg)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetLevel(level)
	log.SetFormatter(formatterFor(cfg.Format))
	log.SetOutput(out)
	return log, nil
}

func formatterFor(format string) logrus.Formatter {
	if format == "json" {
		return &logrus.JSONFormatter{
			TimestampFormat: jsonTimeLayout,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		}
	}
	return &logrus.TextFormatter{TimestampFormat: textTimeLayout, FullTimestamp: true}
}

// openOutput resolves the log sink. File output rotates through lumberjack.
func openOutput(cfg *config.LoggingConfig) (io.Writer, error) {
	switch cfg.Output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "file":
		if cfg.File.Path == "" {
			return nil, fmt.Errorf("logging.file.path is required for file output")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		return &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSize,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAge,
			Compress:   true,
		}, nil
	default:
		return nil, fmt.Errorf("unknown log output %q", cfg.Output)
	}
}

// WithContext scopes a logger to one chat and user.
func WithContext(logger *logrus.Logger, chatID int64, userID int64) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"chat_id": chatID,
		"user_id": userID,
	})
}

// WithEvent tags every line logged while handling one update with a fresh
// request id so concurrent workers can be told apart.
func WithEvent(logger *logrus.Logger, event models.InboundEvent) *logrus.Entry {
	return WithContext(logger, event.ChatID, event.UserID).WithFields(logrus.Fields{
		"update_id":  event.UpdateID,
		"request_id": uuid.NewString(),
	})
}
