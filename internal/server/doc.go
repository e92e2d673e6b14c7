// Package server implements the HTTP and WebSocket plumbing in front of the
// Session Lifecycle Controller.
//
// Endpoints:
//   - GET  /auth               issue a session identifier
//   - GET  /chat/{session_id}  WebSocket chat stream (?room= selects the room)
//   - POST /send_message       publish to the sender's current room
//   - GET  /rooms              active rooms and session count
//   - GET  /health             broker connectivity and session stats
//
// The WebSocket read loop is the one place connection teardown funnels
// through: OnDisconnect is deferred as soon as a connect succeeds, so cleanup
// runs exactly once under every disconnect cause.
package server
