// Package router implements the Message Router component.
//
// The router translates between the two directions of the relay:
//   - Publish: client message -> stamped ChatMessage -> broker publish,
//     routed solely by room name
//   - Deliver: broker payload -> decoded ChatMessage -> push to the owning
//     live session, dropping for dormant sessions
//
// A malformed broker payload is logged and dropped; one poisoned message
// never stops delivery to other sessions. Publish failures always surface to
// the caller.
package router
