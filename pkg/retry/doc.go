// Package retry resolves one proposed tool call to a terminal outcome.
//
// Invariants:
// - At most MaxAttempts invocations per call (default 3); a success halts.
// - Corrective attempts force a tool call and use a lower temperature.
// - Each attempt's outcome is appended to the session as a tool message
//   tagged with its status, preceded by the assistant message that proposed it.
// - Cancellation is honored between attempts, never mid-invocation.
//
// Usage:
//
//	ctrl, _ := retry.New(retry.Config{Provider: provider, Invoker: executor})
//	res := ctrl.Resolve(ctx, call, sess)
//	if !res.Succeeded() {
//		fmt.Println(res.Outcome.Reason)
//	}
package retry
