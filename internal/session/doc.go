// Package session implements the Session Registry component.
//
// The registry is the single source of truth for which sessions exist, which
// are live (transport attached), and which room each one is in. A session
// persists after disconnect: its transport is cleared, not removed, so the
// identifier stays valid for reconnection.
//
// All registry maps are guarded by a single mutex held only for the map
// operation itself, never across a broker or transport call.
package session
