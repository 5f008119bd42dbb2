package redact

import (
	"fmt"
	"time"

	"github.com/dlclark/regexp2"
)

// backstop is added to the bound before the caller stops waiting on a
// runaway evaluation.
const backstop = 100 * time.Millisecond

// TestResult is the outcome of running a candidate rule over a sample.
type TestResult struct {
	Matched     bool   `json:"matched"`
	MatchCount  int    `json:"match_count"`
	Substituted string `json:"substituted"`
	Error       string `json:"error,omitempty"`
	TimedOut    bool   `json:"timed_out,omitempty"`
}

// TestRule runs pattern and replacement against sample without touching any
// engine. Limits are checked first, then evaluation runs under timeout.
// A *ValidationError or ErrRuleTimeout is returned alongside a result
// carrying the same message.
func TestRule(pattern, replacement, sample string, timeout time.Duration) (*TestResult, error) {
	if timeout <= 0 {
		timeout = DefaultTestTimeout
	}
	if err := validateLengths(pattern, replacement); err != nil {
		return &TestResult{Error: err.Error()}, err
	}
	if len(sample) > MaxSampleLen {
		err := &ValidationError{Field: "sample", Reason: fmt.Sprintf("longer than %d characters", MaxSampleLen)}
		return &TestResult{Error: err.Error()}, err
	}

	re, err := compile(pattern, replacement, timeout)
	if err != nil {
		return &TestResult{Error: err.Error()}, err
	}

	done := make(chan *TestResult, 1)
	go func() {
		done <- evaluate(re, translateReplacement(replacement), sample, timeout)
	}()

	timer := time.NewTimer(timeout + backstop)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.TimedOut {
			return res, ErrRuleTimeout
		}
		return res, nil
	case <-timer.C:
		return timedOut(), ErrRuleTimeout
	}
}

func timedOut() *TestResult {
	return &TestResult{Error: ErrRuleTimeout.Error(), TimedOut: true}
}

func evaluate(re *regexp2.Regexp, repl, sample string, timeout time.Duration) *TestResult {
	deadline := time.Now().Add(timeout)
	res := &TestResult{}

	m, err := re.FindStringMatch(sample)
	for m != nil && err == nil {
		res.MatchCount++
		if time.Now().After(deadline) {
			return timedOut()
		}
		m, err = re.FindNextMatch(m)
	}
	if err != nil {
		return timedOut()
	}
	res.Matched = res.MatchCount > 0

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return timedOut()
	}
	re.MatchTimeout = remaining
	out, err := re.Replace(sample, repl, -1, -1)
	if err != nil {
		return timedOut()
	}
	res.Substituted = out
	return res
}
