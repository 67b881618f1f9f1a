package transaction

import (
	"context"
	"errors"
	"testing"
	"time"

	serrors "sandbox2/errors"
)

// fakeSession records lifecycle calls so tests can assert on retry and
// hook ordering without spawning anything.
type fakeSession struct {
	active   bool
	inits    int
	restarts int
	limits   []time.Duration
	initErr  error
}

func (s *fakeSession) IsActive() bool { return s.active }

func (s *fakeSession) Init() error {
	s.inits++
	if s.initErr != nil {
		return s.initErr
	}
	s.active = true
	return nil
}

func (s *fakeSession) Restart(graceful bool) error {
	s.restarts++
	s.active = true
	return nil
}

func (s *fakeSession) SetWallTimeLimit(d time.Duration) {
	s.limits = append(s.limits, d)
}

func TestRunSucceedsFirstAttempt(t *testing.T) {
	sess := &fakeSession{}
	tx := New(sess)

	calls := 0
	err := tx.Run(context.Background(), func(Session) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 1 {
		t.Errorf("fn ran %d times, want 1", calls)
	}
	if sess.restarts != 0 {
		t.Errorf("restarts = %d, want 0", sess.restarts)
	}
}

func TestRunRetriesWithRestartBetweenAttempts(t *testing.T) {
	sess := &fakeSession{}
	tx := New(sess)
	tx.Retries = 3

	calls := 0
	err := tx.Run(context.Background(), func(Session) error {
		calls++
		if calls < 3 {
			return serrors.ErrSessionClosed // Unavailable: retryable
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 3 {
		t.Errorf("fn ran %d times, want 3", calls)
	}
	if sess.restarts != 2 {
		t.Errorf("restarts = %d, want 2", sess.restarts)
	}
}

func TestRunExhaustsBudget(t *testing.T) {
	sess := &fakeSession{}
	tx := New(sess)
	tx.Retries = 2

	err := tx.Run(context.Background(), func(Session) error {
		return serrors.ErrSessionClosed
	})
	if err == nil {
		t.Fatal("expected retry exhaustion")
	}
	if !serrors.IsKind(err, serrors.ErrResourceExhausted) {
		t.Errorf("kind = %v, want ResourceExhausted", err)
	}
}

func TestRunDoesNotRetryCancellation(t *testing.T) {
	sess := &fakeSession{}
	tx := New(sess)
	tx.Retries = 5

	calls := 0
	err := tx.Run(context.Background(), func(Session) error {
		calls++
		return serrors.ErrCancelled
	})
	if !errors.Is(err, serrors.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if calls != 1 {
		t.Errorf("fn ran %d times after cancellation, want 1", calls)
	}
}

func TestRunDoesNotRetryPolicyRejection(t *testing.T) {
	sess := &fakeSession{}
	tx := New(sess)
	tx.Retries = 5

	calls := 0
	sentinel := serrors.New(serrors.ErrPermissionDenied, "test", "sticky violation")
	err := tx.Run(context.Background(), func(Session) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want the sticky violation", err)
	}
	if calls != 1 {
		t.Errorf("fn ran %d times, want 1", calls)
	}
}

func TestRunReportsSpawnFailure(t *testing.T) {
	sess := &fakeSession{initErr: serrors.ErrSetup}
	tx := New(sess)
	tx.Retries = 2

	err := tx.Run(context.Background(), func(Session) error { return nil })
	if err == nil {
		t.Fatal("expected failure when the session cannot spawn")
	}
	if sess.inits != 2 {
		t.Errorf("Init attempted %d times, want 2", sess.inits)
	}
}

func TestRunHonorsContextCancellation(t *testing.T) {
	sess := &fakeSession{}
	tx := New(sess)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tx.Run(ctx, func(Session) error { return nil })
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestInitHookRunsOncePerIncarnation(t *testing.T) {
	sess := &fakeSession{}
	tx := New(sess)
	tx.Retries = 3

	initRuns := 0
	tx.Init = func(Session) error {
		initRuns++
		return nil
	}

	calls := 0
	err := tx.Run(context.Background(), func(Session) error {
		calls++
		if calls < 3 {
			return serrors.ErrSessionClosed
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// One Init per incarnation: the initial spawn plus one per restart.
	if initRuns != 3 {
		t.Errorf("Init hook ran %d times, want 3", initRuns)
	}
}

func TestFinishHookRunsOnSuccess(t *testing.T) {
	sess := &fakeSession{}
	tx := New(sess)

	finished := false
	tx.Finish = func(Session) error {
		finished = true
		return nil
	}

	if err := tx.Run(context.Background(), func(Session) error { return nil }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !finished {
		t.Error("Finish hook did not run")
	}
}

func TestAttemptTimeoutForwarded(t *testing.T) {
	sess := &fakeSession{}
	tx := New(sess)
	tx.AttemptTimeout = 2 * time.Second

	if err := tx.Run(context.Background(), func(Session) error { return nil }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sess.limits) != 1 || sess.limits[0] != 2*time.Second {
		t.Errorf("wall limits = %v, want [2s]", sess.limits)
	}
}
