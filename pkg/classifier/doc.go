// Package classifier decides whether a tool invocation succeeded.
//
// Invariants:
// - A raised fault is always a failure.
// - A payload is a failure when it contains any vocabulary indicator, compared case-insensitively.
// - Classification has no side effects and is deterministic for a given vocabulary.
//
// Usage:
//
//	c := classifier.New(classifier.DefaultVocabulary)
//	outcome := c.Classify("file already exists", nil)
//	if !outcome.Succeeded() {
//		fmt.Println(outcome.Reason)
//	}
package classifier
