// Package scheduler owns pixiwatch's dual-mode execution engine.
//
// # Modes
//
// Immediate mode (RunOnce) executes the watch task exactly once,
// synchronously, and reports the invocation outcome so the process can
// exit with a matching code. Loop mode (Run) computes due-times from the
// configured schedule and triggers the task at each one until the context
// is cancelled.
//
// # Schedule formats
//
// The schedule spec accepts multiple syntaxes:
//
//   - Cron expressions: 5-field (min hour dom mon dow) or 6-field with
//     optional seconds. Example: "55 * * * *" or "0 */5 * * * *".
//   - Cron descriptors: "@hourly", "@daily", "@every 55m".
//   - Interval durations: Go duration strings like "55m" or "2h30m".
//   - Interval HH:MM: a compact duration format where "00:50" means every
//     50 minutes and "02:30" means every 2 hours 30 minutes.
//
// To force interpretation, callers may prefix the string with "cron:",
// "interval:", or "every:".
//
// # Due-time policy
//
// Scheduling is fixed-grid: interval schedules fire at anchor + n*every,
// cron schedules at their calendar times. A due-time that arrives while
// an invocation is still running is skipped (counted, never queued), so a
// slow task or downtime never accumulates a catch-up backlog. Next(now)
// is strictly after now and monotonic, so a due-time can never fire twice.
//
// # Concurrency
//
// At most one invocation is in flight; the status store's TryStart is the
// overlap gate. The wait for the next due-time is an interruptible timer
// select, so shutdown latency is bounded by the configured grace period
// plus the time the in-flight invocation needs to honor its context.
package scheduler
