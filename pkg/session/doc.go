// Package session holds the state of one conversation with the tool catalog.
//
// Invariants:
// - History is append-only; messages are never reordered or removed.
// - The tool catalog is snapshotted at creation and never changes.
// - At most one turn runs at a time per session (Begin returns ErrBusy otherwise).
// - Transcript files are keyed by path-safe session ids.
//
// Usage:
//
//	sess := session.New(registry.Definitions(), session.WithTranscript(transcript))
//	release, err := sess.Begin()
//	if err != nil {
//		return err
//	}
//	defer release()
//	sess.Append(agent.Message{Role: agent.RoleUser, Content: "list /tmp"})
package session
