// Package types provides the core types shared across the llmbridge engine.
// This package has ZERO dependencies on other llmbridge packages to avoid
// circular imports. All other packages should import types from here.
package types
