package messagebus

import "testing"

func TestSendIsFIFOPerPair(t *testing.T) {
	b := NewBus(nil)
	inbox := b.Register("child-1")

	for i := 0; i < 5; i++ {
		if err := b.Send(Message{From: "parent-1", To: "child-1", Kind: KindDelegate, Payload: i}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	for i := 0; i < 5; i++ {
		msg := <-inbox
		if msg.Payload.(int) != i {
			t.Fatalf("out of order: got %v want %d", msg.Payload, i)
		}
	}
}

func TestSendUnregisteredReceiverErrors(t *testing.T) {
	b := NewBus(nil)
	if err := b.Send(Message{From: "a", To: "ghost", Kind: KindCancel}); err == nil {
		t.Fatal("expected error sending to unregistered cell")
	}
}

func TestBroadcastFansOutToAllSubscribers(t *testing.T) {
	b := NewBus(nil)
	s1 := b.Subscribe("alerts")
	s2 := b.Subscribe("alerts")

	b.Broadcast(nil, "alerts", Message{Kind: KindAlert, Reason: "degrade"})

	for _, ch := range []<-chan Message{s1, s2} {
		msg := <-ch
		if msg.Kind != KindAlert {
			t.Fatalf("expected ALERT, got %s", msg.Kind)
		}
	}
}
