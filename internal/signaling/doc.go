// Package signaling relays call setup between two browser peers: presence,
// call lifecycle and the offer/answer/candidate exchange over a WebSocket.
// Media never passes through this service.
package signaling
