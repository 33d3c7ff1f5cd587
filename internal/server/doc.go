// Package server exposes the chat backend over HTTP: account and session
// endpoints, the record service endpoints, and the WebSocket endpoint that
// admits connections into the presence broadcaster.
//
// The implementation is organized into specialized files for routing,
// request decoding, authentication handlers, record handlers and process
// lifecycle so each concern can be tested on its own.
package server
