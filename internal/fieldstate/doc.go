// Package fieldstate tracks per-field research evidence for one run.
//
// Each field carries a value, a confidence in [0,1], the source that
// produced it, and a derived status. Updates follow an authority rule:
// a value may only be replaced by a strictly more authoritative source, or
// an equally authoritative one with confidence that is not lower.
// User-provided values are never overwritten automatically.
package fieldstate
