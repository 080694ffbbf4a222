package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/Shugur-Network/courier/internal/logger"
	validator "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version is set at runtime from build information
var Version = "dev"

var validate = validator.New()

var pubkeyRe = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Config holds every sub-config.
type Config struct {
	General GeneralConfig `mapstructure:"general" validate:"required"`
	Logging LoggingConfig `mapstructure:"logging" validate:"required"`
	Metrics MetricsConfig `mapstructure:"metrics" validate:"required"`
	API     APIConfig     `mapstructure:"api"     validate:"required"`
	Relays  RelaysConfig  `mapstructure:"relays"  validate:"required"`
	Privacy PrivacyConfig `mapstructure:"privacy" validate:"required"`
	Storage StorageConfig `mapstructure:"storage" validate:"required"`
}

func init() {
	registerCustomValidators()

	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		cfg := sl.Current().Interface().(Config)
		performCrossFieldValidation(sl, cfg)
	}, Config{})
}

// registerCustomValidators registers custom validation functions
func registerCustomValidators() {
	// Relay URL must use a ws:// or wss:// scheme with a host
	if err := validate.RegisterValidation("relay_url", func(fl validator.FieldLevel) bool {
		raw := fl.Field().String()
		parsed, err := url.Parse(raw)
		if err != nil {
			return false
		}
		if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
			return false
		}
		return parsed.Host != ""
	}); err != nil {
		logger.Error("Failed to register relay_url validator", zap.Error(err))
	}

	// Public key is a 64-character lowercase hex string
	if err := validate.RegisterValidation("pubkey", func(fl validator.FieldLevel) bool {
		key := fl.Field().String()
		if key == "" {
			return true // optional field
		}
		return pubkeyRe.MatchString(key)
	}); err != nil {
		logger.Error("Failed to register pubkey validator", zap.Error(err))
	}

	// Log level
	if err := validate.RegisterValidation("log_level", func(fl validator.FieldLevel) bool {
		level := fl.Field().String()
		switch level {
		case "debug", "info", "warn", "error", "fatal":
			return true
		}
		return false
	}); err != nil {
		logger.Error("Failed to register log_level validator", zap.Error(err))
	}

	// Log format
	if err := validate.RegisterValidation("log_format", func(fl validator.FieldLevel) bool {
		format := fl.Field().String()
		return format == "console" || format == "json"
	}); err != nil {
		logger.Error("Failed to register log_format validator", zap.Error(err))
	}
}

// performCrossFieldValidation checks constraints across multiple fields
func performCrossFieldValidation(sl validator.StructLevel, cfg Config) {
	// Backoff must not start above its cap
	if cfg.Relays.Backoff.InitialDelay > cfg.Relays.Backoff.MaxDelay {
		sl.ReportError(cfg.Relays.Backoff.InitialDelay, "InitialDelay", "InitialDelay", "backoff_exceeds_max", "")
	}

	// The ack timeout bounds every publish await; it must stay short
	if cfg.Relays.AckTimeout > 30*time.Second {
		sl.ReportError(cfg.Relays.AckTimeout, "AckTimeout", "AckTimeout", "ack_timeout_too_long", "")
	}

	// A circuit that never re-closes would strand relays permanently
	if cfg.Relays.Circuit.SuccessThreshold > cfg.Relays.Circuit.FailureThreshold*4 {
		sl.ReportError(cfg.Relays.Circuit.SuccessThreshold, "SuccessThreshold", "SuccessThreshold", "success_threshold_too_high", "")
	}
}

// SetVersion sets the version from build information
func SetVersion(v string) {
	Version = v
}

// Load merges defaults → file (optional) → env vars, validates, and returns cfg.
func Load(path string, log *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("COURIER") // COURIER_RELAYS_ACK_TIMEOUT
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 1. defaults.yaml (embedded)
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	// 2. optional user file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err != nil {
			if log != nil {
				log.Info("No config.yaml found, using defaults")
			}
		} else if log != nil {
			log.Info("Loaded config.yaml from current directory")
		}
	}

	// 3. env already merged by AutomaticEnv()

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, formatValidationError(err)
	}

	if err := initializeLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	if log != nil {
		log.Info("configuration loaded", zap.String("version", Version))
	}
	return &cfg, nil
}

// initializeLogger initializes the logger using the LoggingConfig
func initializeLogger(loggingConfig LoggingConfig) error {
	return logger.Init(
		logger.WithLevel(loggingConfig.Level),
		logger.WithFormat(loggingConfig.Format),
		logger.WithFile(loggingConfig.FilePath),
		logger.WithVersion(Version),
		logger.WithComponent("courier"),
		logger.WithRotation(loggingConfig.MaxSize, loggingConfig.MaxBackups, loggingConfig.MaxAge),
	)
}

// formatValidationError converts validator errors into user-friendly messages
func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var messages []string
		for _, fieldError := range validationErrors {
			messages = append(messages, getFieldErrorMessage(fieldError))
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}
	return fmt.Errorf("configuration validation failed: %w", err)
}

// getFieldErrorMessage returns a user-friendly error message for a field validation error
func getFieldErrorMessage(fe validator.FieldError) string {
	field := fe.Field()
	value := fe.Value()
	tag := fe.Tag()
	param := fe.Param()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required but not provided", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, param, value)
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, param, value)
	case "relay_url":
		return fmt.Sprintf("%s must be a ws:// or wss:// URL with a host (got: %v)", field, value)
	case "pubkey":
		return fmt.Sprintf("%s must be a 64-character lowercase hex string (got: %v)", field, value)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error, fatal (got: %v)", field, value)
	case "log_format":
		return fmt.Sprintf("%s must be either 'console' or 'json' (got: %v)", field, value)
	case "backoff_exceeds_max":
		return "backoff initial delay exceeds the configured maximum delay"
	case "ack_timeout_too_long":
		return "ack timeout must be 30 seconds or less"
	case "success_threshold_too_high":
		return "circuit success threshold is unreasonably high compared to the failure threshold"
	default:
		return fmt.Sprintf("%s validation failed: %s (got: %v)", field, tag, value)
	}
}
