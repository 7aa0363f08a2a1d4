// Package wire moves STOMP frames over the two transports the client speaks:
// a WebSocket (one or more frames per message) and a raw byte stream such as
// a TCP connection. Both sides of a connection use the same types, so the
// test broker and the client share one codec.
//
// A nil *frame.Frame stands for a heart-beat in both directions.
package wire
