// Package registry manages provider handles. A handle composes the parsed
// spec document, wire normalizer, auth applier and resilience stack into a
// single invocable provider; callers interact only with handles obtained
// from the registry.
package registry
