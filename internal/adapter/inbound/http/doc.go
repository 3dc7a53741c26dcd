// Package http implements the HTTP/SSE and Streamable-HTTP inbound
// transport adapters (C6).
//
// # Endpoints
//
//	GET  /sse                     Opens an SSE stream; first event is
//	                               "endpoint" carrying /messages?sessionId=<uuid>
//	POST /messages?sessionId=...   Submits a JSON-RPC message for an open
//	                               /sse session; response streams back over SSE
//	POST /rpc                      Direct JSON-RPC request/response, no session
//	POST /mcp                      Streamable-HTTP: JSON-RPC in, JSON-RPC out
//	                               (204 for notifications)
//	GET  /mcp                      Streamable-HTTP SSE stream; first event is
//	                               "connected" carrying the assigned sessionId
//	GET  /status                   Aggregate gateway status (services, hub)
//	GET  /health                   Liveness probe
//	GET  /metrics                  Prometheus exposition
//
// Every session-bearing stream sends a "heartbeat" event every 30 seconds
// and is closed by the server after 5 minutes of inactivity (configurable).
package http
