package events

import (
	"testing"
	"time"

	"github.com/cohortflow/cohortflow/pkg/types"
)

func advanced(cohort, submission string, to types.PipelineState) Event {
	return Event{
		Kind:         RunAdvanced,
		RunID:        "run-" + submission,
		SubmissionID: submission,
		CohortID:     cohort,
		From:         types.StatePending,
		To:           to,
	}
}

func TestNotifier_PublishNoSubscribers(t *testing.T) {
	n := NewNotifier(100)
	// Should not panic and should not block
	n.Publish(advanced("c1", "s1", types.StateConverting))
}

func TestNotifier_SubscribeReceivesEvent(t *testing.T) {
	n := NewNotifier(100)
	sub := n.Subscribe("sub-1", nil)

	n.Publish(advanced("c1", "s1", types.StateConverting))

	select {
	case ev := <-sub.Ch:
		if ev.Kind != RunAdvanced || ev.To != types.StateConverting {
			t.Errorf("event = %+v", ev)
		}
		if ev.Timestamp == 0 {
			t.Error("timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event within timeout")
	}
}

func TestNotifier_Filters(t *testing.T) {
	n := NewNotifier(100)
	cohort := n.Subscribe("cohort", []string{"c1/"})
	submission := n.Subscribe("submission", []string{"c1/s2"})

	n.Publish(advanced("c2", "s9", types.StateConverting))
	n.Publish(advanced("c1", "s1", types.StateConverting))
	n.Publish(advanced("c1", "s2", types.StateConverting))

	if got := len(cohort.Ch); got != 2 {
		t.Errorf("cohort subscriber got %d events, want 2", got)
	}
	if got := len(submission.Ch); got != 1 {
		t.Fatalf("submission subscriber got %d events, want 1", got)
	}
	if ev := <-submission.Ch; ev.SubmissionID != "s2" {
		t.Errorf("event = %+v", ev)
	}
}

func TestNotifier_FullChannelDropsEvent(t *testing.T) {
	n := NewNotifier(1)
	sub := n.Subscribe("sub-4", nil)

	sub.Ch <- Event{Kind: StageFinished, SubmissionID: "fill"}

	done := make(chan struct{})
	go func() {
		n.Publish(advanced("c1", "s1", types.StateConverting))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publish blocked when channel was full")
	}

	if ev := <-sub.Ch; ev.SubmissionID != "fill" {
		t.Errorf("expected 'fill', got %q", ev.SubmissionID)
	}
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	n := NewNotifier(100)
	sub := n.SubscribeAutoID()

	n.Unsubscribe(sub.ID)

	select {
	case _, ok := <-sub.Ch:
		if ok {
			t.Fatal("channel should be closed after unsubscribe")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("channel was not closed within timeout")
	}
	// publishing afterwards must not panic on the closed channel
	n.Publish(advanced("c1", "s1", types.StateConverting))
}
