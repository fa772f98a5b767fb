package bus

import "testing"

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	a := b.Subscribe(TopicShare)
	c := b.Subscribe(TopicShare)
	defer b.Unsubscribe(TopicShare, a)
	defer b.Unsubscribe(TopicShare, c)

	b.Publish(TopicShare, "hello")

	for _, ch := range []chan any{a, c} {
		select {
		case v := <-ch:
			if v != "hello" {
				t.Fatalf("got %v, want hello", v)
			}
		default:
			t.Fatal("expected buffered event, got none")
		}
	}
}

func TestPublishIgnoresOtherTopics(t *testing.T) {
	b := New()
	ch := b.Subscribe(TopicAdminNotify)
	defer b.Unsubscribe(TopicAdminNotify, ch)

	b.Publish(TopicShare, "nope")

	select {
	case v := <-ch:
		t.Fatalf("unexpected delivery: %v", v)
	default:
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New()
	slow := b.Subscribe(TopicTelemetry)
	fast := b.Subscribe(TopicTelemetry)
	defer b.Unsubscribe(TopicTelemetry, slow)
	defer b.Unsubscribe(TopicTelemetry, fast)

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(TopicTelemetry, i)
	}

	select {
	case <-fast:
	default:
		t.Fatal("fast subscriber got nothing")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe(TopicShare)
	b.Unsubscribe(TopicShare, ch)

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	if b.SubscriberCount(TopicShare) != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount(TopicShare))
	}
}
