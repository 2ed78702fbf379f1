package mailer

import (
	"context"
	"errors"
	"testing"
)

type stubSender struct {
	calls int
	err   error
}

func (s *stubSender) Send(context.Context, []string, string, string) error {
	s.calls++
	return s.err
}

func TestNotifyReportsOutcome(t *testing.T) {
	ctx := context.Background()

	ok := &stubSender{}
	if err := Notify(ctx, ok, []string{"a@b.example"}, "s", "b"); err != nil {
		t.Fatalf("successful delivery: %v", err)
	}
	if ok.calls != 1 {
		t.Fatalf("calls = %d, want 1", ok.calls)
	}

	down := &stubSender{err: errors.New("relay down")}
	if err := Notify(ctx, down, []string{"a@b.example"}, "s", "b"); !errors.Is(err, down.err) {
		t.Fatalf("failed delivery: err = %v, want the sender's error", err)
	}
}

func TestNotifySkipsEmptyRecipients(t *testing.T) {
	ctx := context.Background()
	s := &stubSender{err: errors.New("relay down")}
	if err := Notify(ctx, s, nil, "s", "b"); err != nil {
		t.Fatalf("no recipients: %v", err)
	}
	if s.calls != 0 {
		t.Fatalf("sender invoked with no recipients")
	}
	if err := Notify(ctx, nil, []string{"a@b.example"}, "s", "b"); err != nil {
		t.Fatalf("nil sender: %v", err)
	}
}
