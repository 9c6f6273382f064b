// Package config loads the notification settings from an INI or YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultServer  = "smtp.gmail.com"
	defaultPort    = 587
	defaultHelo    = "localhost"
	defaultTimeout = 30 * time.Second
)

// Delivery backends.
const (
	BackendSMTP   = "smtp"
	BackendSES    = "ses"
	BackendGraph  = "graph"
	BackendStdout = "stdout"
)

// SMTP authentication mechanisms.
const (
	AuthAuto  = "auto"
	AuthPlain = "plain"
	AuthLogin = "login"
)

var (
	// ErrConfig reports a missing or invalid setting.
	ErrConfig = errors.New("invalid configuration")

	// ErrParse reports a configuration source that could not be read or
	// is not well-formed.
	ErrParse = errors.New("malformed configuration")
)

// Settings holds everything a single run needs. It is built once by Load
// and not modified afterwards.
type Settings struct {
	SMTP     SMTPConfig
	Email    EmailConfig
	Delivery DeliveryConfig
	SES      SESConfig
	Graph    GraphConfig
}

// SMTPConfig holds the submission server endpoint and credentials.
type SMTPConfig struct {
	Server             string
	Port               int
	Username           string
	Password           string
	Auth               string
	Helo               string
	CAFile             string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// EmailConfig holds the message envelope and attachment list.
type EmailConfig struct {
	Recipients  []string
	Subject     string
	Attachments []string
}

// DeliveryConfig selects the delivery backend.
type DeliveryConfig struct {
	Backend string
}

// SESConfig holds AWS SES settings.
type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// GraphConfig holds Microsoft Graph application credentials.
type GraphConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// source is the untyped shape shared by the INI and YAML readers. Every
// value stays a string until normalize validates it.
type source struct {
	SMTP struct {
		Server             string `yaml:"server"`
		Port               string `yaml:"port"`
		Username           string `yaml:"username"`
		Password           string `yaml:"password"`
		Auth               string `yaml:"auth"`
		Helo               string `yaml:"helo"`
		CAFile             string `yaml:"ca_file"`
		InsecureSkipVerify string `yaml:"insecure_skip_verify"`
		Timeout            string `yaml:"timeout"`
	} `yaml:"smtp"`
	Email struct {
		Recipients  stringList `yaml:"recipients"`
		Subject     string     `yaml:"subject"`
		Attachments stringList `yaml:"attachments"`
	} `yaml:"email"`
	Delivery struct {
		Backend string `yaml:"backend"`
	} `yaml:"delivery"`
	SES struct {
		Region          string `yaml:"region"`
		AccessKeyID     string `yaml:"access_key_id"`
		SecretAccessKey string `yaml:"secret_access_key"`
	} `yaml:"ses"`
	Graph struct {
		TenantID     string `yaml:"tenant_id"`
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
	} `yaml:"graph"`
}

// Option configures Load.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger that receives configuration warnings.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Load reads the configuration file at path. Files ending in .yaml or .yml
// are decoded as YAML, anything else as INI.
func Load(path string, opts ...Option) (*Settings, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %w", ErrParse, err)
	}

	var src *source
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		src, err = parseYAML(data)
	default:
		src, err = parseINI(data)
	}
	if err != nil {
		return nil, err
	}

	return src.normalize(o.logger)
}

// normalize applies defaults, splits list values and validates required
// settings.
func (s *source) normalize(logger *slog.Logger) (*Settings, error) {
	cfg := &Settings{}

	cfg.SMTP.Server = strings.TrimSpace(s.SMTP.Server)
	if cfg.SMTP.Server == "" {
		cfg.SMTP.Server = defaultServer
	}
	cfg.SMTP.Port = parsePort(logger, s.SMTP.Port)

	var err error
	if cfg.SMTP.Username, err = required("SMTP", "username", s.SMTP.Username); err != nil {
		return nil, err
	}
	if cfg.SMTP.Password, err = required("SMTP", "password", s.SMTP.Password); err != nil {
		return nil, err
	}
	if cfg.Email.Subject, err = required("EMAIL", "subject", s.Email.Subject); err != nil {
		return nil, err
	}

	cfg.Email.Recipients = s.Email.Recipients.values()
	if len(cfg.Email.Recipients) == 0 {
		return nil, fmt.Errorf("%w: EMAIL.recipients is required", ErrConfig)
	}
	for _, r := range cfg.Email.Recipients {
		if _, err := mail.ParseAddress(r); err != nil {
			return nil, fmt.Errorf("%w: EMAIL.recipients: invalid address %q: %w", ErrConfig, r, err)
		}
	}
	cfg.Email.Attachments = s.Email.Attachments.values()

	cfg.SMTP.Auth = strings.ToLower(strings.TrimSpace(s.SMTP.Auth))
	switch cfg.SMTP.Auth {
	case "":
		cfg.SMTP.Auth = AuthAuto
	case AuthAuto, AuthPlain, AuthLogin:
	default:
		return nil, fmt.Errorf("%w: SMTP.auth: unsupported mechanism %q", ErrConfig, cfg.SMTP.Auth)
	}

	cfg.SMTP.Helo = strings.TrimSpace(s.SMTP.Helo)
	if cfg.SMTP.Helo == "" {
		cfg.SMTP.Helo = defaultHelo
	}
	cfg.SMTP.CAFile = strings.TrimSpace(s.SMTP.CAFile)

	if v := strings.TrimSpace(s.SMTP.InsecureSkipVerify); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: SMTP.insecure_skip_verify: %w", ErrConfig, err)
		}
		cfg.SMTP.InsecureSkipVerify = b
	}

	cfg.SMTP.Timeout = defaultTimeout
	if v := strings.TrimSpace(s.SMTP.Timeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("%w: SMTP.timeout: invalid duration %q", ErrConfig, v)
		}
		cfg.SMTP.Timeout = d
	}

	cfg.SES.Region = strings.TrimSpace(s.SES.Region)
	cfg.SES.AccessKeyID = strings.TrimSpace(s.SES.AccessKeyID)
	cfg.SES.SecretAccessKey = strings.TrimSpace(s.SES.SecretAccessKey)
	cfg.Graph.TenantID = strings.TrimSpace(s.Graph.TenantID)
	cfg.Graph.ClientID = strings.TrimSpace(s.Graph.ClientID)
	cfg.Graph.ClientSecret = strings.TrimSpace(s.Graph.ClientSecret)

	cfg.Delivery.Backend = strings.ToLower(strings.TrimSpace(s.Delivery.Backend))
	switch cfg.Delivery.Backend {
	case "":
		cfg.Delivery.Backend = BackendSMTP
	case BackendSMTP, BackendStdout:
	case BackendSES:
		if cfg.SES.Region == "" {
			return nil, fmt.Errorf("%w: SES.region is required for the ses backend", ErrConfig)
		}
	case BackendGraph:
		if cfg.Graph.TenantID == "" || cfg.Graph.ClientID == "" || cfg.Graph.ClientSecret == "" {
			return nil, fmt.Errorf("%w: GRAPH.tenant_id, GRAPH.client_id and GRAPH.client_secret are required for the graph backend", ErrConfig)
		}
	default:
		return nil, fmt.Errorf("%w: DELIVERY.backend: unknown backend %q", ErrConfig, cfg.Delivery.Backend)
	}

	return cfg, nil
}

// required returns the trimmed value or an ErrConfig naming the key.
func required(section, key, value string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", fmt.Errorf("%w: %s.%s is required", ErrConfig, section, key)
	}
	return v, nil
}

// parsePort falls back to the submission port when the value is absent or
// not a usable port number.
func parsePort(logger *slog.Logger, raw string) int {
	v := strings.TrimSpace(raw)
	if v == "" {
		return defaultPort
	}
	port, err := strconv.Atoi(v)
	if err != nil || port < 1 || port > 65535 {
		logger.Warn("invalid SMTP port, using default",
			"value", v,
			"default", defaultPort,
		)
		return defaultPort
	}
	return port
}

// splitList splits a comma-separated value, trimming each element and
// dropping empty ones.
func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
