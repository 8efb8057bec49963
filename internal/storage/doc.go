// Package storage applies relayed envelopes to PostgreSQL.
//
// Every handler runs in a single transaction on a session borrowed from a
// bounded pool and is safe to apply more than once for the same envelope:
//   - chat messages rely on the unique publisher_msg_id and a no-op conflict update
//   - friend requests, group invites and group joins check for an existing row first
//   - friend acceptance is an idempotent update
//
// Handlers report a contracts.Result instead of returning errors so the
// consumer can decide between acknowledging and requeuing.
package storage
