package api

import (
	"fmt"
	"math"
)

// CompletionPolicy controls when a map or parallel operation resolves.
//
// The zero value means "all branches must succeed": the group fails as soon
// as any branch fails. MinSuccessful, if positive, resolves the group
// successfully once that many branches have succeeded, without waiting for
// the rest. ToleratedFailureCount and ToleratedFailurePercentage raise the
// number of branch failures the group absorbs before failing; when both are
// set the more permissive bound applies. Whichever threshold is crossed
// first decides the group; branches still in flight at that point are
// abandoned.
type CompletionPolicy struct {
	MinSuccessful              int
	ToleratedFailureCount      int
	ToleratedFailurePercentage float64
}

// GroupVerdict is the running decision for a map/parallel group.
type GroupVerdict int

const (
	// GroupPending: no threshold crossed yet, keep running branches.
	GroupPending GroupVerdict = iota
	GroupSucceeded
	GroupFailed
)

// toleratedFailures resolves the effective failure budget for a group of
// the given size. With only MinSuccessful configured, the budget is implied:
// the group can afford to lose every branch it does not need.
func (p CompletionPolicy) toleratedFailures(total int) int {
	if p.MinSuccessful > 0 && p.ToleratedFailureCount == 0 && p.ToleratedFailurePercentage == 0 {
		return total - p.MinSuccessful
	}
	tol := p.ToleratedFailureCount
	if p.ToleratedFailurePercentage > 0 {
		byPct := int(math.Floor(p.ToleratedFailurePercentage / 100 * float64(total)))
		if byPct > tol {
			tol = byPct
		}
	}
	return tol
}

// Evaluate returns the group verdict after a branch resolution, given the
// counts of resolved branches. It is called once per resolution; the first
// non-pending verdict is final.
func (p CompletionPolicy) Evaluate(total, succeeded, failed int) GroupVerdict {
	tol := p.toleratedFailures(total)
	if failed > tol {
		return GroupFailed
	}
	if p.MinSuccessful > 0 && succeeded >= p.MinSuccessful {
		return GroupSucceeded
	}
	if succeeded+failed < total {
		return GroupPending
	}
	// Everything resolved within the failure budget.
	if p.MinSuccessful > 0 && succeeded < p.MinSuccessful {
		return GroupFailed
	}
	return GroupSucceeded
}

// BranchStatus describes how a single branch of a group ended.
type BranchStatus string

const (
	BranchSucceeded BranchStatus = "SUCCEEDED"

	BranchFailed BranchStatus = "FAILED"

	// BranchAbandoned: the group resolved while this branch was still in
	// flight. The branch was left to finish (or not) on its own; its result
	// is not part of the group outcome.
	BranchAbandoned BranchStatus = "ABANDONED"
)

// BranchOutcome is the recorded end state of one branch.
type BranchOutcome struct {
	// Name is the branch's path segment under the group operation: the
	// item index for MapOp ("0", "1", ...) or the branch name for
	// ParallelOp.
	Name    string       `json:"name"`
	Index   int          `json:"index"`
	Status  BranchStatus `json:"status"`
	Result  []byte       `json:"result,omitempty"`
	Codec   string       `json:"codec,omitempty"`
	Failure *FailureInfo `json:"failure,omitempty"`
}

// BranchResults is the aggregate outcome of a MapOp or ParallelOp. It is
// returned even when the completion policy was not met; Err distinguishes
// the two cases.
type BranchResults struct {
	Total    int             `json:"total"`
	Outcomes []BranchOutcome `json:"outcomes"`

	// Failure is set when the completion policy was not met.
	Failure *FailureInfo `json:"failure,omitempty"`
}

// SuccessCount counts branches that resolved successfully.
func (r *BranchResults) SuccessCount() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == BranchSucceeded {
			n++
		}
	}
	return n
}

// FailureCount counts branches that resolved with a failure.
func (r *BranchResults) FailureCount() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == BranchFailed {
			n++
		}
	}
	return n
}

// Successes returns the outcomes of successful branches, in branch order.
func (r *BranchResults) Successes() []BranchOutcome {
	var out []BranchOutcome
	for _, o := range r.Outcomes {
		if o.Status == BranchSucceeded {
			out = append(out, o)
		}
	}
	return out
}

// Failures returns the outcomes of failed branches, in branch order.
func (r *BranchResults) Failures() []BranchOutcome {
	var out []BranchOutcome
	for _, o := range r.Outcomes {
		if o.Status == BranchFailed {
			out = append(out, o)
		}
	}
	return out
}

// Err returns nil if the completion policy was met, and the group failure
// otherwise. Workflow code that cannot proceed without the group result
// should check it right after the MapOp/ParallelOp call.
func (r *BranchResults) Err() error {
	return r.Failure.Err()
}

// NewGroupFailure builds the FailureInfo recorded when a group misses its
// completion policy.
func NewGroupFailure(path string, kind OperationKind, succeeded, failed, total int) *FailureInfo {
	return &FailureInfo{
		Kind:    ErrorPermanent,
		ErrType: "BranchesFailed",
		Message: fmt.Sprintf("%s %q did not meet its completion policy: %d succeeded, %d failed of %d", kind, path, succeeded, failed, total),
		Path:    path,
	}
}
