// Package openapi loads, validates, and normalizes OpenAPI 3.0/3.1 documents
// and generates LLM-callable tool definitions from their operations.
//
// Parsing is pure: the same (source, content) pair always yields the same
// Document, and results are cached so repeated registrations of an unchanged
// spec skip validation and reference resolution entirely.
package openapi
