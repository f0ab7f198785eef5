// Package protocol defines the JSON frames exchanged between browser peers and
// the signaling coordinator over the /signal WebSocket.
//
// Offer, answer and candidate payloads are validated on the way in but are
// relayed to the counterpart byte-for-byte; the coordinator never rewrites a
// negotiation payload.
package protocol
