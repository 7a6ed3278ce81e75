// Package chat contains the chat side of the relay: the monitor loop, mention
// parsing and the rate limited send path, plus the Twitch IRC transport.
//
// Client runs on the caller's goroutine:
//   - Connect opens the transport session. On failure the client stays
//     disconnected and Monitor returns immediately.
//   - Monitor reads batches from the transport and handles every message
//     that mentions the bot. Bare mentions get a prompt, commands go to the
//     registered Dispatcher, and anything else mentioning the bot gets the
//     canned reply.
//   - Send serializes every outbound message behind one mutex and a token
//     bucket (Twitch allows 20 messages per 30 seconds for regular users).
//     It never returns an error; failures are logged and counted.
//
// Credentials: the IRC transport needs a bot username and an OAuth token with
// chat:read/chat:edit scopes. The token may be rotated at runtime with
// SetToken.
package chat
