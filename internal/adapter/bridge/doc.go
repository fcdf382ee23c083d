// Package bridge implements domain.Transport over a WebSocket connection to an
// external bridge process that speaks the messaging network's protocol.
//
// Each session holds its own connection. Frames are JSON objects with a "type"
// field: the bridge pushes "event" frames (qr, ready, authenticated,
// disconnected) and answers every "send" frame with an "ack" carrying the same
// request ID.
package bridge
