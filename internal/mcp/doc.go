// Package mcp implements the MCP Streamable HTTP transport over the email
// tool pack.
//
// The server exposes a single endpoint accepting JSON-RPC 2.0 messages via
// POST (initialize, tools/list, tools/call) and session termination via
// DELETE. Sessions are held in memory and identified by the Mcp-Session-Id
// header. GET is rejected: server-initiated SSE streams are not supported.
//
// Authentication accepts either a static access token (URL path or query
// parameter, mapped to a principal by TokenStore) or a JWT bearer token
// verified with the configured secret. When auth is not required,
// unauthenticated callers run as the anonymous principal.
package mcp
