// Package session persists agent step history as JSONL files, one file per
// session id.
//
// Invariants:
// - Session ids are validated and path-safe.
// - Writes for the same session are serialized.
// - Append/load/delete operations are observable via tracing and metrics.
//
// Usage:
//
//	store, _ := session.NewJSONLStore("/tmp/continue-reasoning/sessions")
//	_ = store.AppendStep(ctx, "session-1", session.StepRecord{StepIndex: 0, RawText: "hi"})
//	steps, _ := store.LoadSteps(ctx, "session-1")
//	_ = steps
package session
