// Package mqtt is the broker-facing transport: an ingress subscriber
// that feeds device publishes to the message router, and an egress
// publisher that carries notifications, state echoes, and broadcasts
// back out.
//
// Both sides use Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. The subscriber re-subscribes
// to all topic filters on every (re-)connect. The publisher carries a
// will message so its availability topic transitions to "offline" on
// unexpected disconnects, and stamps every publish with a client_id
// user property so the subscriber can recognize and drop its own
// traffic.
package mqtt
