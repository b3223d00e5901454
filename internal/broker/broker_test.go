package broker

import (
	"context"
	"testing"
	"time"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New(4, nil)
	ch := b.Subscribe(TopicAnomaliesFound, "test-group")

	if err := b.Publish(context.Background(), TopicAnomaliesFound, []byte("hello")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-ch:
		if string(got) != "hello" {
			t.Fatalf("expected payload 'hello', got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestPublishFansOutToMultipleGroups(t *testing.T) {
	b := New(4, nil)
	chA := b.Subscribe(TopicRCARequests, "group-a")
	chB := b.Subscribe(TopicRCARequests, "group-b")

	b.Publish(context.Background(), TopicRCARequests, []byte("incident-1"))

	for _, ch := range []<-chan []byte{chA, chB} {
		select {
		case got := <-ch:
			if string(got) != "incident-1" {
				t.Fatalf("unexpected payload %q", got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}
}

func TestSubscribeIsIdempotentPerGroup(t *testing.T) {
	b := New(4, nil)
	ch1 := b.Subscribe(TopicMetricsRaw, "detector-worker")
	ch2 := b.Subscribe(TopicMetricsRaw, "detector-worker")
	if ch1 != ch2 {
		t.Fatal("expected repeated Subscribe for the same group to return the same channel")
	}
}

func TestPublishDropsOldestWhenConsumerIsSlow(t *testing.T) {
	b := New(1, nil)
	ch := b.Subscribe(TopicMetricsRaw, "slow-group")

	b.Publish(context.Background(), TopicMetricsRaw, []byte("first"))
	b.Publish(context.Background(), TopicMetricsRaw, []byte("second"))

	select {
	case got := <-ch:
		if string(got) != "second" {
			t.Fatalf("expected latest-wins to deliver 'second', got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	b := New(4, nil)
	ch := b.Subscribe(TopicLogsRaw, "group")
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := b.Publish(context.Background(), TopicLogsRaw, []byte("after-close")); err != nil {
		t.Fatalf("Publish after close should be a no-op, got error: %v", err)
	}
	if _, open := <-ch; open {
		t.Fatal("expected channel to be closed after Broker.Close")
	}
}
