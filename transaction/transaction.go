// Package transaction wraps a user function in a retry loop against a
// sandboxing session: each attempt gets a fresh (or restarted) sandboxee
// and a bounded wall-clock deadline, and the loop stops early on errors
// that retrying cannot fix.
package transaction

import (
	"context"
	"errors"
	"time"

	serrors "sandbox2/errors"
	"sandbox2/logging"
)

// DefaultRetries is how many attempts Run makes when the caller does not
// configure a budget.
const DefaultRetries = 3

// Session is the slice of executor.Executor a transaction drives:
// lifecycle only. The function under retry normally closes over the
// concrete executor for calls and transfers.
type Session interface {
	IsActive() bool
	Init() error
	Restart(graceful bool) error
	SetWallTimeLimit(d time.Duration)
}

// Transaction retries a user function against one session. The zero
// value is not usable; construct with New.
type Transaction struct {
	sess Session

	// Retries is the total attempt budget, including the first attempt.
	Retries int
	// AttemptTimeout bounds each attempt's wall clock; zero leaves the
	// session's own limit in place.
	AttemptTimeout time.Duration

	// Init runs once per session incarnation (after each spawn/restart),
	// not once per attempt: a retried attempt against a still-healthy
	// sandboxee does not re-run it. Typical use is transferring static
	// state the library under test needs.
	Init func(Session) error
	// Finish runs when Run returns, against whatever incarnation is
	// current, if the session is still active.
	Finish func(Session) error

	inited bool
}

// New wraps a session in a Transaction with the default retry budget.
func New(sess Session) *Transaction {
	return &Transaction{sess: sess, Retries: DefaultRetries}
}

// retryable reports whether another attempt could plausibly succeed.
// Explicit cancellation never retries; neither does caller misuse or a
// policy rejection, which would only recur identically.
func retryable(err error) bool {
	if errors.Is(err, serrors.ErrCancelled) || errors.Is(err, context.Canceled) {
		return false
	}
	if serrors.IsKind(err, serrors.ErrInvalidArgument) || serrors.IsKind(err, serrors.ErrPermissionDenied) {
		return false
	}
	return true
}

// Run executes fn until it succeeds, the retry budget runs out, or a
// non-retryable error surfaces. The session is restarted between
// attempts so each one faces a fresh sandboxee.
func (t *Transaction) Run(ctx context.Context, fn func(Session) error) error {
	retries := t.Retries
	if retries <= 0 {
		retries = DefaultRetries
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return serrors.Wrap(err, serrors.ErrCancelled.Kind, "transaction.Run")
		}

		if err := t.ensureSession(); err != nil {
			lastErr = err
			continue
		}

		if t.AttemptTimeout > 0 {
			t.sess.SetWallTimeLimit(t.AttemptTimeout)
		}

		err := fn(t.sess)
		if err == nil {
			return t.finish()
		}
		lastErr = err
		if !retryable(err) {
			logging.Default().Debug("transaction attempt failed with non-retryable error",
				"attempt", attempt+1, "error", err)
			t.finish()
			return err
		}

		logging.Default().Debug("transaction attempt failed, restarting session",
			"attempt", attempt+1, "error", err)
		if err := t.restart(); err != nil {
			lastErr = err
		}
	}

	t.finish()
	return serrors.WrapWithDetail(lastErr, serrors.ErrRetriesExhausted.Kind, "transaction.Run",
		"retry budget exhausted")
}

// ensureSession brings a session up if none is active and runs the Init
// hook once per incarnation.
func (t *Transaction) ensureSession() error {
	if !t.sess.IsActive() {
		if err := t.sess.Init(); err != nil {
			return err
		}
		t.inited = false
	}
	if !t.inited && t.Init != nil {
		if err := t.Init(t.sess); err != nil {
			return err
		}
	}
	t.inited = true
	return nil
}

// restart tears the incarnation down so the next attempt starts fresh.
func (t *Transaction) restart() error {
	t.inited = false
	return t.sess.Restart(false)
}

func (t *Transaction) finish() error {
	if t.Finish != nil && t.sess.IsActive() {
		return t.Finish(t.sess)
	}
	return nil
}
