package executor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JoshuaAFerguson/apex/internal/store/models"
)

// ErrSessionLimitReached is thrown at stage start when the session-pressure
// subroutine recommends checkpoint or handoff. The executor has already
// written the pause checkpoint before returning this error.
var ErrSessionLimitReached = errors.New("session limit reached")

// ErrBudgetExceeded is thrown when accumulated usage passes the per-task
// token or cost cap. Non-retryable.
var ErrBudgetExceeded = errors.New("task exceeded budget")

// ErrCancelled is observed when a worker notices its task's status flipped
// to cancelled at a Store read or stage boundary.
var ErrCancelled = errors.New("task was cancelled")

// ErrMaxResumeAttemptsExceeded describes a resume refused because
// resumeAttempts exceeds the configured cap. ResumeTask stores its message
// as the task's error and returns false with a nil error.
type ErrMaxResumeAttemptsExceeded struct {
	Attempts int
	Max      int
}

func (e *ErrMaxResumeAttemptsExceeded) Error() string {
	return fmt.Sprintf("Maximum resume attempts exceeded (%d/%d); consider decomposing this task into smaller subtasks", e.Attempts, e.Max)
}

// nonRetryableSubstrings are matched case-insensitively against an error's
// message. A match means the error is never retried regardless of
// options.autoRetry.
var nonRetryableSubstrings = []string{
	"not found",
	"exceeded budget",
	"was cancelled",
	"invalid input",
	"workflow not found",
}

// pauseSubstringReasons maps substrings to the pauseReason they coerce the
// task into. Checked before the transient fallback.
var pauseSubstringReasons = []struct {
	substrings []string
	reason     models.PauseReason
}{
	{[]string{"usage limit", "exhausted your monthly"}, models.PauseUsageLimit},
	{[]string{"rate limit", "rate limited"}, models.PauseRateLimit},
}

// classification is the outcome of classifyError.
type classification struct {
	NonRetryable bool
	PauseReason  models.PauseReason // empty if not pause-worthy
}

// classifyError implements the authoritative error taxonomy of §4.2/§7:
// substring match (case-insensitive) against the non-retryable list first,
// then the pause-worthy substrings, with everything else treated as a
// retryable transient error.
func classifyError(err error) classification {
	if err == nil {
		return classification{}
	}
	msg := strings.ToLower(err.Error())

	for _, s := range nonRetryableSubstrings {
		if strings.Contains(msg, s) {
			return classification{NonRetryable: true}
		}
	}

	for _, group := range pauseSubstringReasons {
		for _, s := range group.substrings {
			if strings.Contains(msg, s) {
				return classification{PauseReason: group.reason}
			}
		}
	}

	return classification{}
}

// isRetryable reports whether err should be retried given the current
// classification: anything that is neither non-retryable nor pause-worthy.
func (c classification) isRetryable() bool {
	return !c.NonRetryable && c.PauseReason == ""
}
