package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (r *recordingSender) Send(ctx context.Context, m Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("send context has no deadline")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return r.err
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type outcomeCounter struct {
	mu     sync.Mutex
	ok     map[string]int
	failed map[string]int
}

func newOutcomeCounter() *outcomeCounter {
	return &outcomeCounter{ok: map[string]int{}, failed: map[string]int{}}
}

func (c *outcomeCounter) Notification(channel string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.ok[channel]++
	} else {
		c.failed[channel]++
	}
}

func TestDispatcher_RoutesByChannel(t *testing.T) {
	kafka, sms, logs := &recordingSender{}, &recordingSender{}, &recordingSender{}
	d := NewDispatcher(nil, time.Second).
		Route(ChannelEmail, "kafka", kafka).
		Route(ChannelInApp, "kafka", kafka).
		Route(ChannelSMS, "sms", sms).
		Tap("log", logs)

	d.Notify(context.Background(), Message{UserID: "u1", EventKey: EventWelcome, Channels: []Channel{ChannelEmail, ChannelInApp}})
	d.Notify(context.Background(), Message{UserID: "u1", Phone: "+15550001", EventKey: EventMFACode, Channels: []Channel{ChannelSMS}})
	d.Wait()

	if kafka.count() != 1 {
		t.Errorf("kafka sends = %d, want 1 (same sender on two channels gets one copy)", kafka.count())
	}
	if sms.count() != 1 {
		t.Errorf("sms sends = %d, want 1", sms.count())
	}
	if logs.count() != 2 {
		t.Errorf("tap sends = %d, want 2", logs.count())
	}
}

func TestDispatcher_DefaultsToEmail(t *testing.T) {
	email := &recordingSender{}
	d := NewDispatcher(nil, 0).Route(ChannelEmail, "kafka", email)
	d.Notify(context.Background(), Message{EventKey: EventMagicLink})
	d.Wait()
	if email.count() != 1 {
		t.Fatalf("email sends = %d, want 1", email.count())
	}
	if got := email.msgs[0].Channels; len(got) != 1 || got[0] != ChannelEmail {
		t.Errorf("channels = %v, want [email]", got)
	}
}

func TestDispatcher_FailureIsCountedNotReturned(t *testing.T) {
	bad := &recordingSender{err: errors.New("smtp down")}
	counter := newOutcomeCounter()
	d := NewDispatcher(nil, time.Second).Route(ChannelEmail, "kafka", bad).WithCounter(counter)
	d.Notify(context.Background(), Message{EventKey: EventWelcome})
	d.Wait()
	if counter.failed["kafka"] != 1 || counter.ok["kafka"] != 0 {
		t.Errorf("counter ok=%v failed=%v", counter.ok, counter.failed)
	}
}

func TestDispatcher_SurvivesCallerCancel(t *testing.T) {
	s := &recordingSender{}
	d := NewDispatcher(nil, time.Second).Route(ChannelEmail, "kafka", s)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Notify(ctx, Message{EventKey: EventWelcome})
	d.Wait()
	if s.count() != 1 {
		t.Errorf("sends = %d, want 1 after caller cancel", s.count())
	}
}

func TestDispatcher_NoSender(t *testing.T) {
	d := NewDispatcher(nil, time.Second)
	d.Notify(context.Background(), Message{EventKey: EventWelcome, Channels: []Channel{ChannelSMS}})
	d.Wait()
}
