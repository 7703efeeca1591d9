package api

import "testing"

func TestCompletionPolicy_DefaultAllMustSucceed(t *testing.T) {
	var p CompletionPolicy

	if v := p.Evaluate(5, 1, 0); v != GroupPending {
		t.Fatalf("expected pending with work outstanding, got %v", v)
	}
	if v := p.Evaluate(5, 1, 1); v != GroupFailed {
		t.Fatalf("expected immediate failure on first branch failure, got %v", v)
	}
	if v := p.Evaluate(5, 5, 0); v != GroupSucceeded {
		t.Fatalf("expected success when all branches succeeded, got %v", v)
	}
}

func TestCompletionPolicy_MinSuccessfulWinsEarly(t *testing.T) {
	p := CompletionPolicy{MinSuccessful: 2}

	if v := p.Evaluate(5, 1, 0); v != GroupPending {
		t.Fatalf("expected pending below threshold, got %v", v)
	}
	if v := p.Evaluate(5, 2, 0); v != GroupSucceeded {
		t.Fatalf("expected success at threshold with 3 branches still running, got %v", v)
	}

	// MinSuccessful=2 of 5 implies 3 tolerated failures.
	if v := p.Evaluate(5, 1, 3); v != GroupPending {
		t.Fatalf("expected pending at implied tolerance, got %v", v)
	}
	if v := p.Evaluate(5, 1, 4); v != GroupFailed {
		t.Fatalf("expected failure once success is impossible, got %v", v)
	}
}

func TestCompletionPolicy_ToleratedFailureCount(t *testing.T) {
	p := CompletionPolicy{ToleratedFailureCount: 1}

	if v := p.Evaluate(5, 0, 1); v != GroupPending {
		t.Fatalf("expected pending within failure budget, got %v", v)
	}
	if v := p.Evaluate(5, 2, 2); v != GroupFailed {
		t.Fatalf("expected failure once budget exceeded, got %v", v)
	}
	if v := p.Evaluate(5, 4, 1); v != GroupSucceeded {
		t.Fatalf("expected success with all resolved inside budget, got %v", v)
	}
}

func TestCompletionPolicy_ToleratedFailurePercentage(t *testing.T) {
	// 40% of 5 = 2 tolerated failures.
	p := CompletionPolicy{ToleratedFailurePercentage: 40}

	if v := p.Evaluate(5, 0, 2); v != GroupPending {
		t.Fatalf("expected pending at 2 failures, got %v", v)
	}
	if v := p.Evaluate(5, 0, 3); v != GroupFailed {
		t.Fatalf("expected failure at 3 failures, got %v", v)
	}

	// The more permissive of count and percentage applies.
	both := CompletionPolicy{ToleratedFailureCount: 1, ToleratedFailurePercentage: 40}
	if v := both.Evaluate(5, 0, 2); v != GroupPending {
		t.Fatalf("expected percentage bound (2) to win over count (1), got %v", v)
	}
}

// MinSuccessful combined with an explicit tolerance applies both bounds.
func TestCompletionPolicy_MinWithExplicitTolerance(t *testing.T) {
	p := CompletionPolicy{MinSuccessful: 2, ToleratedFailureCount: 1}

	if v := p.Evaluate(5, 1, 2); v != GroupFailed {
		t.Fatalf("expected explicit tolerance to fail the group, got %v", v)
	}
	if v := p.Evaluate(5, 2, 1); v != GroupSucceeded {
		t.Fatalf("expected success at MinSuccessful, got %v", v)
	}
	// All resolved, budget kept, but threshold missed.
	if v := p.Evaluate(5, 1, 1); v == GroupSucceeded {
		t.Fatalf("unexpected success below MinSuccessful")
	}
}

func TestBranchResults_Accessors(t *testing.T) {
	r := &BranchResults{
		Total: 4,
		Outcomes: []BranchOutcome{
			{Name: "0", Index: 0, Status: BranchSucceeded, Result: []byte(`"a"`)},
			{Name: "1", Index: 1, Status: BranchFailed, Failure: &FailureInfo{Kind: ErrorPermanent, ErrType: "Nope", Message: "no"}},
			{Name: "2", Index: 2, Status: BranchSucceeded, Result: []byte(`"c"`)},
			{Name: "3", Index: 3, Status: BranchAbandoned},
		},
	}

	if got := r.SuccessCount(); got != 2 {
		t.Fatalf("SuccessCount=%d, want 2", got)
	}
	if got := r.FailureCount(); got != 1 {
		t.Fatalf("FailureCount=%d, want 1", got)
	}
	if got := len(r.Successes()); got != 2 {
		t.Fatalf("len(Successes())=%d, want 2", got)
	}
	if got := r.Failures()[0].Name; got != "1" {
		t.Fatalf("Failures()[0].Name=%q, want \"1\"", got)
	}
	if err := r.Err(); err != nil {
		t.Fatalf("Err() should be nil when policy was met, got %v", err)
	}

	r.Failure = NewGroupFailure("fanout", OpMap, 2, 1, 4)
	err := r.Err()
	if err == nil {
		t.Fatal("Err() should surface the group failure")
	}
	var perm *PermanentError
	if !asPermanent(err, &perm) || perm.ErrType != "BranchesFailed" {
		t.Fatalf("expected BranchesFailed permanent error, got %v", err)
	}
}

func asPermanent(err error, target **PermanentError) bool {
	p, ok := err.(*PermanentError)
	if !ok {
		return false
	}
	*target = p
	return true
}
