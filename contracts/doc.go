// Package contracts defines the events relayed from the producing API to storage.
//
// This package defines:
//   - Envelope: the closed set of event variants (chat message, friend request,
//     friend accepted, group invite, group joined)
//   - Decode/Encode: the JSON wire format, with validation at the decode boundary
//   - Result: the typed outcome returned by every persistence handler
//
// A decoded Envelope is always valid for its variant; handlers never re-check
// required fields.
package contracts
