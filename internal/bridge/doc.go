// Package bridge implements the Subscription Bridge component.
//
// The bridge owns, per session, exactly one broker-side subscription bound to
// the session's current room: an anonymous exclusive auto-deleting queue, a
// topic binding, and a consumer. Rebinding on a room switch always retires
// the old subscription before installing the new one, so a session is never
// bound to two rooms at once and repeated switches never accumulate queues.
//
// Callers serialize lifecycle operations per session; the bridge's own mutex
// only guards its handle map and is never held across a broker call.
package bridge
