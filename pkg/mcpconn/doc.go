// Package mcpconn implements the client side of a single MCP server
// connection: it spawns the server process, speaks JSON-RPC 2.0 over the
// process's standard streams (one message per line), correlates responses to
// requests by id, and reports lifecycle transitions through caller-supplied
// hooks.
//
// A Client owns exactly one process incarnation at a time and never retries
// on its own; spawn and handshake failures are returned to the caller, and
// unexpected exits surface through Hooks.OnDisconnected. Reconnection policy
// belongs to the supervisor in package mcpmon.
//
// Connect performs the protocol handshake (initialize, the initialized
// notification, then capability discovery via tools/list and, when the
// server declares support, resources/list) before the connection is
// considered live. SendRequest and Ping are safe to call concurrently; each
// in-flight request suspends only its own caller while the connection keeps
// processing unrelated responses and notifications.
package mcpconn
