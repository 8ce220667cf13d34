package protection

import (
	"errors"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusActive},
		{StatusPending, StatusCancelled},
		{StatusActive, StatusVerificationSubmitted},
		{StatusActive, StatusCancelled},
		{StatusActive, StatusExpired},
		{StatusVerificationSubmitted, StatusVerified},
		{StatusVerificationSubmitted, StatusActive},
		{StatusVerificationSubmitted, StatusCancelled},
		{StatusVerificationSubmitted, StatusExpired},
		{StatusVerified, StatusCompleted},
	}
	for _, tc := range allowed {
		p := Protection{Status: tc.from}
		if err := p.transitionTo(tc.to); err != nil {
			t.Errorf("%s -> %s: expected allowed, got %v", tc.from, tc.to, err)
		}
		if p.Status != tc.to {
			t.Errorf("%s -> %s: status not applied", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusPending, StatusVerified},
		{StatusPending, StatusCompleted},
		{StatusActive, StatusCompleted},
		{StatusVerified, StatusCancelled},
		{StatusVerified, StatusExpired},
		{StatusCompleted, StatusActive},
		{StatusCancelled, StatusActive},
		{StatusExpired, StatusActive},
		{StatusCompleted, StatusCancelled},
	}
	for _, tc := range denied {
		p := Protection{Status: tc.from}
		if err := p.transitionTo(tc.to); !errors.Is(err, ErrInvalidState) {
			t.Errorf("%s -> %s: expected ErrInvalidState, got %v", tc.from, tc.to, err)
		}
		if p.Status != tc.from {
			t.Errorf("%s -> %s: status mutated on denied transition", tc.from, tc.to)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusExpired} {
		if !s.Terminal() {
			t.Errorf("%s: expected terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusActive, StatusVerificationSubmitted, StatusVerified} {
		if s.Terminal() {
			t.Errorf("%s: expected non-terminal", s)
		}
	}
}

func TestViewVerificationStatus(t *testing.T) {
	cases := []struct {
		status   Status
		attempts int
		want     string
	}{
		{StatusActive, 0, "not_submitted"},
		{StatusActive, 1, "rejected"},
		{StatusVerificationSubmitted, 1, "under_review"},
		{StatusVerified, 1, "approved"},
		{StatusCompleted, 1, "approved"},
		{StatusCancelled, 3, "rejected"},
	}
	for _, tc := range cases {
		p := Protection{Status: tc.status, VerificationAttempts: tc.attempts}
		if got := p.View().VerificationStatus; got != tc.want {
			t.Errorf("%s attempts=%d: expected %s, got %s", tc.status, tc.attempts, tc.want, got)
		}
	}
}
