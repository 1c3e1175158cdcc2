// Package mcpmon supervises a named set of MCP server connections. Each
// monitored server gets its own mcpconn.Client, a reconnect policy with
// bounded exponential backoff, and a periodic health check. A server that
// exhausts its retry budget becomes unavailable and stays that way until an
// explicit reset, so a persistently broken command cannot retry forever.
package mcpmon
