// Package stream reconstructs one chat completion from a streaming
// "data: {choices:[{delta:...}]}" response.
//
// An Assembler consumes decoded payloads and keeps:
//   - the concatenated text content, in arrival order,
//   - one ToolCallSlot per tool-call index, where id and function name are
//     replaced by the latest non-empty value and arguments are appended
//     byte-for-byte,
//   - the last finish reason.
//
// Malformed payloads never abort a stream. They are logged, counted and
// treated as carrying no deltas.
//
// A Driver owns one sse.Decoder and one Assembler and runs the whole
// open/read/assemble cycle under a retry.Policy, resetting both before each
// attempt.
//
// Usage:
//
//	d, _ := stream.NewDriver(stream.DriverConfig{
//		Open:    func(ctx context.Context) (io.ReadCloser, error) { ... },
//		OnChunk: func(d stream.Delta) { fmt.Print(d.Text) },
//	})
//	resp, err := d.Drive(ctx)
package stream
