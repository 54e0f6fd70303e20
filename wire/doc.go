// Package wire maps the engine's canonical ChatRequest/ChatResponse onto
// provider-specific HTTP shapes and back.
//
// Provider wire formats form a small closed set of families: the
// chat-completion shape, the message shape, and a generic-operation shape
// driven by an OpenAPI operation. Each family implements the Normalizer
// capability; the family is selected once at registration time, from spec
// inspection or explicit configuration.
package wire
