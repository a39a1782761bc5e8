// Package server provides the HTTP server implementation for the nexus API.
//
// The server exposes the daemon's core over a small REST surface plus one
// Server-Sent Events stream. Clients manage the supervised AI server, create
// chat sessions, send prompts, and watch everything happen live on /event.
//
// # API Endpoints
//
//   - /app: daemon info (managed server status, session count)
//   - /server/*: managed server lifecycle (state, start, stop, restart)
//   - /session/*: chat session management and messaging
//   - /event: real-time event streaming via SSE
//   - /metrics: Prometheus exposition
//
// # Messaging
//
// POST /session/{sessionID}/message records the user message and returns the
// pending assistant message immediately with 202 Accepted. The assistant's
// content arrives incrementally as message.delta events on /event, followed
// by a message.completed (or message.error) event. A session carries at most
// one live stream; a second prompt while one is streaming is rejected with
// 409 Conflict. POST /session/{sessionID}/abort cancels the live stream and
// keeps whatever content had arrived.
//
// # Event Streaming
//
// GET /event upgrades to an SSE stream. The first event is server.connected;
// after that every bus event is forwarded as a JSON envelope carrying the
// event type, its bus sequence number, and the payload. An optional
// sessionID query parameter narrows the stream to one session's chat events
// while still passing global server lifecycle events through. Heartbeat
// comments are written every 30 seconds to keep intermediaries from timing
// out idle connections.
//
// # Error Format
//
// Errors are returned as JSON: {"error": {"code": "...", "message": "..."}}.
// Domain errors map onto HTTP statuses (unknown session 404, stream already
// live 409, managed server not running 503, command denied 403).
package server
