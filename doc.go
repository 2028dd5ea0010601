// Package mcp is the client side of the Model Context Protocol (MCP) used by the hub: the
// JSON-RPC wire types, the data model shared by every component (server definitions, launches,
// connection states), the Client that performs the handshake and correlates requests, and the
// stdio and HTTP transports. The HTTP transport speaks streamable HTTP and falls back to the
// legacy SSE dialect when a server requires it, following
// https://modelcontextprotocol.io/specification/.
//
// Connection lifecycle, trust, variables and caching live in the connection, registry,
// variables and servercache packages, which build on the types defined here.
package mcp
