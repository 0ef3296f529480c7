// Package tools defines the agent-facing tool pack: scheduling, listing,
// cancelling, immediate sends, and connection diagnostics. Tools carry a
// JSON-schema description and execute in-process.
package tools
