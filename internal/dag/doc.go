// Package dag executes a work document: a set of work items that depend on
// each other. Items run in batches; a batch is every unscheduled item whose
// dependencies have all completed, and the next batch is computed only after
// the current one finished. A failed item skips its transitive dependents
// without starting them while unrelated branches keep running.
package dag
