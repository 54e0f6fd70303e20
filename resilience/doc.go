// Package resilience wraps provider calls with retry, rate limiting,
// circuit breaking and response caching. Each provider handle owns its own
// instances; nothing here is shared across providers.
package resilience
