package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader builds an EngineConfig from defaults, a YAML file and environment
// variables, in that order.
type Loader struct {
	configPath   string
	envPrefix    string
	validator    func(*EngineConfig) error
	secretLookup SecretLookup
}

// NewLoader creates a loader with the default validator and environment
// variables as the secret source.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:    "LLMBRIDGE",
		validator:    (*EngineConfig).Validate,
		secretLookup: os.LookupEnv,
	}
}

// WithConfigPath sets the YAML file path. A missing file is not an error;
// defaults and environment variables still apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator replaces the default validation.
func (l *Loader) WithValidator(v func(*EngineConfig) error) *Loader {
	l.validator = v
	return l
}

// WithSecretLookup replaces the environment as the source for key_env and
// client_secret_env references.
func (l *Loader) WithSecretLookup(lookup SecretLookup) *Loader {
	l.secretLookup = lookup
	return l
}

// Load assembles and validates the configuration.
func (l *Loader) Load() (*EngineConfig, error) {
	cfg := DefaultEngineConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, err
		}
	}
	if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, err
	}

	for i := range cfg.Providers {
		cfg.Providers[i].Normalize()
		cfg.Providers[i].ResolveSecrets(l.secretLookup)
	}

	if l.validator != nil {
		if err := l.validator(cfg); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *EngineConfig) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// setFieldsFromEnv walks struct fields tagged with env, overriding values
// from PREFIX_TAG variables. Nested structs recurse with the tag appended
// to the prefix.
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads configuration from path, panicking on failure.
func MustLoad(path string) *EngineConfig {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
