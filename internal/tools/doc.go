// Package tools defines the boundary between the pipeline executor and the
// external research tools it invokes.
//
// The executor only sees the Invoker contract: a named tool is called with
// the run's context and either returns a structured result (field
// proposals, summary, cost) or an error. Tool internals — AI inference,
// marketplace search, lookup tables — live behind this boundary and are out
// of the pipeline's scope.
package tools
