// Package store provides keyed record storage that is safe for concurrent use.
//
// Store is the in-memory implementation: one lock per instance, held only for
// the duration of a single map operation. Package sqlite offers a durable
// implementation of the same Repository contract.
package store
