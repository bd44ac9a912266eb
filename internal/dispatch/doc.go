// Package dispatch is the broadcast engine.
//
// A run resolves recipients from the directory, validates the request, then fans out:
//   - text only: one send-message call per recipient;
//   - with attachments: one send-media-multi call per attachment covering every recipient,
//     the message travelling as caption.
//
// Per-recipient and per-attachment failures are tallied, never fatal. Only directory
// failure, an empty recipient list, or an empty request stop a run, and they stop it
// before any call to the gateway. Nothing is retried.
//
// Service runs dispatches asynchronously from a bounded queue and keeps a live,
// bounded status registry for the operator surface.
package dispatch
