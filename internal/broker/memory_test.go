package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/nirmalarya/autograph/internal/broker"
)

func TestMemoryBusFansOutToAllInstances(t *testing.T) {
	bus := broker.NewMemoryBus()
	a := bus.Attach("instance-a")
	b := bus.Attach("instance-b")
	defer a.Close()
	defer b.Close()

	received := make(chan broker.Message, 2)
	b.Subscribe(func(msg broker.Message) { received <- msg })

	if err := a.Publish(context.Background(), "doc-1", []byte(`{"event":"x"}`)); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-received:
		if msg.Origin != "instance-a" {
			t.Errorf("expected origin instance-a, got %s", msg.Origin)
		}
		if msg.Room != "doc-1" {
			t.Errorf("expected room doc-1, got %s", msg.Room)
		}
		if string(msg.Frame) != `{"event":"x"}` {
			t.Errorf("frame corrupted: %s", msg.Frame)
		}
	case <-time.After(time.Second):
		t.Fatal("message never arrived at the peer instance")
	}
}

func TestMemoryBusDeliversOwnPublishesWithOrigin(t *testing.T) {
	// The bus mirrors a wildcard subscription: an instance sees its own
	// publishes and must filter them by origin itself.
	bus := broker.NewMemoryBus()
	a := bus.Attach("instance-a")
	defer a.Close()

	received := make(chan broker.Message, 1)
	a.Subscribe(func(msg broker.Message) { received <- msg })

	a.Publish(context.Background(), "doc-1", []byte("frame"))
	select {
	case msg := <-received:
		if msg.Origin != "instance-a" {
			t.Errorf("loopback message must carry the publisher's origin, got %s", msg.Origin)
		}
	case <-time.After(time.Second):
		t.Fatal("loopback message never delivered")
	}
}

func TestClosedInstanceReceivesNothing(t *testing.T) {
	bus := broker.NewMemoryBus()
	a := bus.Attach("instance-a")
	b := bus.Attach("instance-b")

	received := make(chan broker.Message, 1)
	b.Subscribe(func(msg broker.Message) { received <- msg })
	b.Close()

	a.Publish(context.Background(), "doc-1", []byte("frame"))
	select {
	case <-received:
		t.Error("closed instance must not receive messages")
	case <-time.After(50 * time.Millisecond):
	}
}
