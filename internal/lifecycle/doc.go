// Package lifecycle implements the Session Lifecycle Controller.
//
// The controller orchestrates the Session Registry, Subscription Bridge, and
// Message Router under a fixed ordering:
//
//	issue -> connect (attach, set room, subscribe, welcome)
//	      -> inbound messages (publish, ack/error frames)
//	      -> disconnect (retire subscription, detach)
//
// Connect and disconnect for the same session are serialized through a
// per-session lock, so a room rebind can never race a teardown. Mid-session
// publish failures degrade to error frames; only connection establishment
// failures are fatal to a session.
package lifecycle
