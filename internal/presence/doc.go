// Package presence tracks which identities are connected and pushes the
// online set to every admitted connection.
//
// A single Broadcaster goroutine owns all presence state: connects,
// disconnects and chat relays are processed one at a time in arrival order.
// Outbound delivery is a non-blocking enqueue onto each connection's send
// queue, drained by that connection's write pump, so a stalled client never
// delays the others.
package presence
