// Package config loads engine configuration from YAML with environment
// variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("llmbridge.yaml").
//	    WithEnvPrefix("LLMBRIDGE").
//	    Load()
//
// Precedence: defaults, then the YAML file, then environment variables.
package config
