// Package auth provides pluggable authentication strategies that decorate
// outgoing HTTP requests with credentials.
//
// Apply is a pure transformation of the request given the strategy's current
// secret state; the OAuth2 strategy additionally refreshes its cached token
// when the token is absent or close to expiry. Secrets are consumed as
// already-resolved strings supplied by the surrounding application; this
// package never reads the environment or a keyring itself.
package auth
