package graph

import "time"

// StagePolicy overrides engine-wide execution settings for one stage.
//
// Stages without a policy use Options.UnitTimeout and Options.RetryLimit.
//
//	graph.Stage{
//	    ID:        "load",
//	    Transform: load,
//	    Policy:    graph.StagePolicy{Timeout: 2 * time.Minute, RetryLimit: graph.Retries(5)},
//	}
type StagePolicy struct {
	// Timeout bounds each attempt. Zero means Options.UnitTimeout.
	Timeout time.Duration

	// RetryLimit is the number of retries after the first attempt.
	// Nil means Options.RetryLimit; Retries(0) disables retries.
	RetryLimit *int
}

// Retries returns a pointer to n, for StagePolicy.RetryLimit.
func Retries(n int) *int { return &n }

func (p StagePolicy) validate(stageID string) error {
	if p.Timeout < 0 {
		return invalidf("stage %q: negative timeout %v", stageID, p.Timeout)
	}
	if p.RetryLimit != nil && *p.RetryLimit < 0 {
		return invalidf("stage %q: negative retry limit %d", stageID, *p.RetryLimit)
	}
	return nil
}

// timeout resolves the attempt deadline: the stage's own, else def.
func (p StagePolicy) timeout(def time.Duration) time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return def
}

// retryLimit resolves the retry limit: the stage's own, else def.
func (p StagePolicy) retryLimit(def int) int {
	if p.RetryLimit != nil {
		return *p.RetryLimit
	}
	return def
}
