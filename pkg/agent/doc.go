// Package agent turns queued tasks into streamed chat completions.
//
// Invariants:
// - Runs are serialized per session; different sessions run concurrently.
// - History is appended only after a completed stream.
// - Replies go back through the channel the task came from.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{Provider: provider, Replies: registry})
//	sched.SetTaskHandler(runner.HandleTask)
//	sched.SetEventHandler(runner.HandleEvent)
package agent
