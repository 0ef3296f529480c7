// Package auth provides JWT bearer authentication for the tool endpoint.
//
// Agents and API clients authenticate with HS256-signed JWTs carrying the
// principal in the "sub" claim. Tokens are minted with the `mailagent token`
// subcommand using the configured jwt_secret.
package auth
