// Package model defines the wire types exchanged between clients, the relay,
// and the broker.
//
// Conventions:
//   - Timestamps: RFC 3339 strings, assigned at publish time when absent
//   - IDs: opaque session identifiers, generated at issuance (uuid strings)
//   - JSON field names match the client protocol exactly (user_id, message, room)
package model
