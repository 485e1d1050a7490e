package store

import (
	"testing"
	"time"
)

func TestBrokerFanout(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	bobCh, cancelBob := b.Subscribe("bob")
	defer cancelBob()
	carolCh, cancelCarol := b.Subscribe("carol")
	defer cancelCarol()

	b.Publish(&ChangeEvent{Seq: 1, EntityID: "t1", OwnerID: "bob", CreatedBy: "alice"})

	select {
	case ev := <-bobCh:
		if ev.Seq != 1 {
			t.Errorf("seq = %d, want 1", ev.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("bob did not receive event")
	}
	select {
	case ev := <-carolCh:
		t.Errorf("carol received unrelated event %+v", ev)
	default:
	}

	// Creator-side watchers match too.
	aliceCh, cancelAlice := b.Subscribe("alice")
	defer cancelAlice()
	b.Publish(&ChangeEvent{Seq: 2, EntityID: "t1", OwnerID: "bob", CreatedBy: "alice"})
	select {
	case <-aliceCh:
	case <-time.After(time.Second):
		t.Fatal("creator watcher did not receive event")
	}
}

func TestBrokerCancel(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	ch, cancel := b.Subscribe("bob")
	cancel()

	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}

	// Publishing after cancel must not panic.
	b.Publish(&ChangeEvent{Seq: 1, OwnerID: "bob"})

	// Double cancel is safe.
	cancel()
}

func TestBrokerSlowConsumer(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	ch, cancel := b.Subscribe("bob")
	defer cancel()

	// Overflow the buffer; extra events drop instead of blocking.
	for i := 0; i < watchBuffer+10; i++ {
		b.Publish(&ChangeEvent{Seq: int64(i + 1), OwnerID: "bob"})
	}

	var received int
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	if received != watchBuffer {
		t.Errorf("received %d events, want %d buffered", received, watchBuffer)
	}
}
