// Package config builds the agent's immutable configuration by overlaying an
// optional YAML file onto fixed defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/NilsIgris/sylon/internal/faults"
)

// Unset is the sentinel that disables a URL-valued feature.
const Unset = "NULL"

const DefaultPath = "/etc/sylon/config.yaml"

// TelemetryFile configures the agent's own OpenTelemetry output.
type TelemetryFile struct {
	Exporter         string `yaml:"exporter" validate:"oneof=none stdout otlp-grpc otlp-http prometheus"`
	OTLPEndpoint     string `yaml:"otlp_endpoint"`
	OTLPInsecure     bool   `yaml:"otlp_insecure"`
	PrometheusListen string `yaml:"prometheus_listen" validate:"required_if=Exporter prometheus"`
}

// File mirrors the on-disk YAML layout. Seconds are floats so sub-second values
// are accepted.
type File struct {
	Endpoint              string  `yaml:"endpoint" validate:"required,url_or_unset"`
	APIKey                string  `yaml:"api_key"`
	IntervalSeconds       float64 `yaml:"interval_seconds" validate:"seconds"`
	UpdateIntervalSeconds float64 `yaml:"update_interval_seconds" validate:"seconds"`
	RemoteCodeURL         string  `yaml:"remote_code_url" validate:"omitempty,url_or_unset"`
	TimeoutSeconds        float64 `yaml:"timeout_seconds" validate:"seconds"`
	MaxRetries            int     `yaml:"max_retries" validate:"gte=0"`
	BackoffBase           float64 `yaml:"backoff_base" validate:"gt=0"`
	Jitter                float64 `yaml:"jitter" validate:"gte=0"`

	IdentityFile string `yaml:"identity_file" validate:"required"`
	UpdateMarker string `yaml:"update_marker" validate:"required,max=50"`
	SelfPath     string `yaml:"self_path"`
	DiskPath     string `yaml:"disk_path" validate:"required"`
	LogLevel     string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat    string `yaml:"log_format" validate:"oneof=json text"`

	Telemetry TelemetryFile `yaml:"telemetry"`
}

// Config is the validated configuration for one process lifetime. It is passed
// by value and never modified after Load returns.
type Config struct {
	Endpoint       string
	APIKey         string
	Interval       time.Duration
	UpdateInterval time.Duration
	RemoteCodeURL  string
	Timeout        time.Duration
	MaxRetries     int
	BackoffBase    float64
	Jitter         float64

	IdentityFile string
	UpdateMarker string
	SelfPath     string
	DiskPath     string
	LogLevel     string
	LogFormat    string

	Telemetry TelemetryFile
}

// DefaultFile returns the built-in option values.
func DefaultFile() File {
	return File{
		Endpoint:              Unset,
		APIKey:                Unset,
		IntervalSeconds:       300,
		UpdateIntervalSeconds: 3000,
		RemoteCodeURL:         Unset,
		TimeoutSeconds:        10,
		MaxRetries:            5,
		BackoffBase:           2,
		Jitter:                0.3,
		IdentityFile:          "/var/lib/sylon/id",
		UpdateMarker:          "\x7fELF",
		DiskPath:              "/",
		LogLevel:              "info",
		LogFormat:             "json",
		Telemetry: TelemetryFile{
			Exporter: "none",
		},
	}
}

// Defaults returns the configuration used when no file is present.
func Defaults() Config {
	return DefaultFile().Config()
}

// Config converts the file layout into typed values.
func (f File) Config() Config {
	return Config{
		Endpoint:       f.Endpoint,
		APIKey:         f.APIKey,
		Interval:       seconds(f.IntervalSeconds),
		UpdateInterval: seconds(f.UpdateIntervalSeconds),
		RemoteCodeURL:  f.RemoteCodeURL,
		Timeout:        seconds(f.TimeoutSeconds),
		MaxRetries:     f.MaxRetries,
		BackoffBase:    f.BackoffBase,
		Jitter:         f.Jitter,
		IdentityFile:   f.IdentityFile,
		UpdateMarker:   f.UpdateMarker,
		SelfPath:       f.SelfPath,
		DiskPath:       f.DiskPath,
		LogLevel:       f.LogLevel,
		LogFormat:      f.LogFormat,
		Telemetry:      f.Telemetry,
	}
}

// EndpointEnabled reports whether telemetry delivery is configured.
func (c Config) EndpointEnabled() bool {
	return !isUnset(c.Endpoint)
}

// UpdatesEnabled reports whether self-update is configured.
func (c Config) UpdatesEnabled() bool {
	return !isUnset(c.RemoteCodeURL)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func isUnset(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || strings.EqualFold(v, Unset)
}

// Load reads path and overlays it onto the defaults. A missing file is not an
// error. A file that cannot be read, parsed or validated yields the defaults
// together with a config_load_error; the caller logs it and carries on.
func Load(path string) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Defaults(), false, nil
		}
		return Defaults(), false, faults.Wrap(faults.KindConfigLoad, "read "+path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Defaults(), true, faults.Wrap(faults.KindConfigLoad, "load "+path, err)
	}
	return cfg, true, nil
}

// Parse overlays YAML data onto the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	f := DefaultFile()
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	f.normalize()
	if err := Validate(f); err != nil {
		return Config{}, err
	}
	return f.Config(), nil
}

// normalize maps the textual forms of the sentinel onto Unset. Unquoted NULL
// in YAML decodes as null and leaves the default in place; quoted or mixed case
// forms arrive as strings.
func (f *File) normalize() {
	if isUnset(f.Endpoint) {
		f.Endpoint = Unset
	}
	if isUnset(f.RemoteCodeURL) {
		f.RemoteCodeURL = Unset
	}
	f.LogLevel = strings.ToLower(strings.TrimSpace(f.LogLevel))
	f.LogFormat = strings.ToLower(strings.TrimSpace(f.LogFormat))
	f.Telemetry.Exporter = strings.ToLower(strings.TrimSpace(f.Telemetry.Exporter))
	if f.Telemetry.Exporter == "" {
		f.Telemetry.Exporter = "none"
	}
}

// ToFile converts the configuration back to its YAML layout.
func (c Config) ToFile() File {
	return File{
		Endpoint:              c.Endpoint,
		APIKey:                c.APIKey,
		IntervalSeconds:       c.Interval.Seconds(),
		UpdateIntervalSeconds: c.UpdateInterval.Seconds(),
		RemoteCodeURL:         c.RemoteCodeURL,
		TimeoutSeconds:        c.Timeout.Seconds(),
		MaxRetries:            c.MaxRetries,
		BackoffBase:           c.BackoffBase,
		Jitter:                c.Jitter,
		IdentityFile:          c.IdentityFile,
		UpdateMarker:          c.UpdateMarker,
		SelfPath:              c.SelfPath,
		DiskPath:              c.DiskPath,
		LogLevel:              c.LogLevel,
		LogFormat:             c.LogFormat,
		Telemetry:             c.Telemetry,
	}
}

// Redacted returns a copy with the bearer credential masked, for display.
func (c Config) Redacted() Config {
	if !isUnset(c.APIKey) {
		c.APIKey = "********"
	}
	return c
}

// MarshalYAML renders the configuration in its file layout.
func (c Config) MarshalYAML() (interface{}, error) {
	return c.ToFile(), nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("url_or_unset", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == Unset {
			return true
		}
		return v.Var(s, "http_url") == nil
	})
	_ = v.RegisterValidation("seconds", func(fl validator.FieldLevel) bool {
		return validSeconds(fl.Field().Float())
	})
	return v
}

// validSeconds reports whether s converts to a positive time.Duration without
// overflowing or truncating to zero.
func validSeconds(s float64) bool {
	ns := s * float64(time.Second)
	return ns >= 1 && ns < math.MaxInt64
}

// Validate checks the invariants of a file layout.
func Validate(f File) error {
	if err := validate.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
