package scenario

// ResultWithClock pairs a parallel actor's result with the vector clock the
// worker snapshotted immediately before invoking it: Clock[j] is how many
// actors thread j had completed at that moment. The verifier can use the
// clocks to reconstruct a partial order over the parallel part.
type ResultWithClock struct {
	Result Result
	Clock  []int
}

// ExecutionResult is everything one invocation of a scenario observed:
// the sequential initial results, the per-thread parallel results with
// clocks, and the sequential post results.
type ExecutionResult struct {
	Initial  []Result
	Parallel [][]ResultWithClock
	Post     []Result
}

// ParallelResults strips the clocks, returning just the per-thread result
// sequences.
func (r *ExecutionResult) ParallelResults() [][]Result {
	out := make([][]Result, len(r.Parallel))
	for i, row := range r.Parallel {
		out[i] = make([]Result, len(row))
		for j, rc := range row {
			out[i][j] = rc.Result
		}
	}
	return out
}

// Equivalent reports whether two execution results observed the same
// result kinds and payloads everywhere, ignoring clocks. Used by the
// trace-collecting second run to detect reference non-determinism.
func (r *ExecutionResult) Equivalent(other *ExecutionResult) bool {
	if other == nil {
		return false
	}
	eq := func(a, b []Result) bool {
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if !a[i].Equal(b[i]) {
				return false
			}
		}
		return true
	}
	if !eq(r.Initial, other.Initial) || !eq(r.Post, other.Post) {
		return false
	}
	ap, bp := r.ParallelResults(), other.ParallelResults()
	if len(ap) != len(bp) {
		return false
	}
	for i := range ap {
		if !eq(ap[i], bp[i]) {
			return false
		}
	}
	return true
}
