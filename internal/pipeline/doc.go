// Package pipeline implements the research pipeline: an explicit directed
// graph of named nodes and the executor that advances a run through it.
//
// Each node invokes one tool with a per-node timeout, then checkpoints the
// outcome atomically. Failed nodes retry in place up to their attempt
// bound before escalating to a run-level error; pause and stop requests are
// observed cooperatively at node boundaries. On resume the executor reads
// the last step record: a success continues at the graph successor, a
// failure retries the same node.
package pipeline
