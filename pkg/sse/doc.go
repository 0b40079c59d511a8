// Package sse turns a raw byte stream from a streaming completion endpoint
// into server-sent-event payloads.
//
// Decoding happens in two stages:
//
//   - LineDecoder splits arbitrary byte chunks into complete lines. A line may
//     span any number of chunks and a chunk may carry any number of lines.
//     Bytes are reproduced exactly; nothing is trimmed.
//   - Decoder filters those lines down to "data: " payloads, drops blank
//     lines, comments and unknown fields, and recognises the "[DONE]" sentinel.
//
// Invariants:
//   - Concatenating every emitted line (each followed by '\n') with the
//     retained partial line reproduces the input exactly.
//   - Once "[DONE]" has been seen, no further events are emitted until Reset.
//
// Neither decoder is safe for concurrent use; each stream owns its own.
package sse
