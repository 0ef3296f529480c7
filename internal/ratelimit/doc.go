// Package ratelimit provides a per-account token-bucket throttle for
// side-effecting mail operations.
package ratelimit
