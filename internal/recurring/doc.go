// Package recurring runs a cancellable action once after a due time and then
// repeatedly at a fixed period until stopped.
//
// Lifecycle:
//   - New validates and stores configuration; nothing runs yet.
//   - Start launches one background timing loop and returns immediately.
//   - Stop cancels the context shared by every invocation and returns a
//     Completion that resolves once the loop has exited and every in-flight
//     invocation has returned.
//
// Overlap policy:
//   - OverlapWait (default): invocations run one at a time on the loop; the
//     period wait starts after the previous invocation settles.
//   - OverlapAllow: each tick is dispatched on its own goroutine and the loop
//     keeps a fixed cadence, so invocations may run concurrently.
//
// A failing or panicking invocation never stops the loop. Failures are
// counted, logged (rate limited), published on the event bus and handed to
// the optional fault handler. They are not surfaced through Stop.
package recurring
