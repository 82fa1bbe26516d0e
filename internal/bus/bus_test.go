package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestInboundFIFO(t *testing.T) {
	b := NewMessageBus()
	for i := 0; i < 5; i++ {
		b.PublishInbound(InboundMessage{Channel: "cli", ChatID: "c", Content: fmt.Sprintf("m%d", i)})
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		msg, ok := b.ConsumeInbound(ctx)
		if !ok {
			t.Fatalf("consume %d: not ok", i)
		}
		if want := fmt.Sprintf("m%d", i); msg.Content != want {
			t.Errorf("consume %d: got %q, want %q", i, msg.Content, want)
		}
	}
}

func TestInboundWaiterHandoff(t *testing.T) {
	b := NewMessageBus()
	ctx := context.Background()

	done := make(chan InboundMessage)
	go func() {
		msg, _ := b.ConsumeInbound(ctx)
		done <- msg
	}()

	// Give the consumer time to register as a waiter.
	time.Sleep(20 * time.Millisecond)
	b.PublishInbound(InboundMessage{Content: "hello"})

	select {
	case msg := <-done:
		if msg.Content != "hello" {
			t.Errorf("got %q, want %q", msg.Content, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never received message")
	}
}

func TestInboundSingleConsumer(t *testing.T) {
	b := NewMessageBus()
	const n = 20
	for i := 0; i < n; i++ {
		b.PublishInbound(InboundMessage{Content: fmt.Sprintf("m%d", i)})
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, ok := b.ConsumeInbound(context.Background())
			if !ok {
				t.Error("consume not ok")
				return
			}
			mu.Lock()
			seen[msg.Content]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("got %d distinct messages, want %d", len(seen), n)
	}
	for content, count := range seen {
		if count != 1 {
			t.Errorf("message %q delivered %d times", content, count)
		}
	}
}

func TestRequeueFrontPreservesOrder(t *testing.T) {
	b := NewMessageBus()
	b.PublishInbound(InboundMessage{Content: "m2"})
	b.PublishInbound(InboundMessage{Content: "m3"})

	// A message pulled off the bus but not processed goes back to the
	// head of the line, ahead of everything queued behind it.
	b.requeueFront(InboundMessage{Content: "m1"})

	ctx := context.Background()
	for _, want := range []string{"m1", "m2", "m3"} {
		msg, ok := b.ConsumeInbound(ctx)
		if !ok || msg.Content != want {
			t.Errorf("got %q ok=%v, want %q", msg.Content, ok, want)
		}
	}
}

func TestRequeueFrontHandsOffToWaiter(t *testing.T) {
	b := NewMessageBus()

	done := make(chan InboundMessage)
	go func() {
		msg, _ := b.ConsumeInbound(context.Background())
		done <- msg
	}()
	time.Sleep(20 * time.Millisecond)

	b.requeueFront(InboundMessage{Content: "back"})

	select {
	case msg := <-done:
		if msg.Content != "back" {
			t.Errorf("got %q, want %q", msg.Content, "back")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never received requeued message")
	}
}

func TestConsumeCancelled(t *testing.T) {
	b := NewMessageBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Error("expected ok=false on cancelled context")
	}
}

func TestOutboundDeliveryOrder(t *testing.T) {
	b := NewMessageBus()
	var order []string
	b.SubscribeOutbound("telegram", func(m OutboundMessage) { order = append(order, "first:"+m.Content) })
	b.SubscribeOutbound("telegram", func(m OutboundMessage) { order = append(order, "second:"+m.Content) })

	b.PublishOutbound(OutboundMessage{Channel: "telegram", Content: "x"})

	if len(order) != 2 || order[0] != "first:x" || order[1] != "second:x" {
		t.Errorf("delivery order = %v", order)
	}
}

func TestOutboundNoSubscribersDropped(t *testing.T) {
	b := NewMessageBus()
	// Must not panic or buffer.
	b.PublishOutbound(OutboundMessage{Channel: "nobody", Content: "x"})

	var got []string
	b.SubscribeOutbound("nobody", func(m OutboundMessage) { got = append(got, m.Content) })
	if len(got) != 0 {
		t.Errorf("late subscriber received replayed messages: %v", got)
	}
}

func TestOutboundChannelIsolation(t *testing.T) {
	b := NewMessageBus()
	var cli, http int
	b.SubscribeOutbound("cli", func(OutboundMessage) { cli++ })
	b.SubscribeOutbound("http", func(OutboundMessage) { http++ })

	b.PublishOutbound(OutboundMessage{Channel: "cli"})
	b.PublishOutbound(OutboundMessage{Channel: "cli"})
	b.PublishOutbound(OutboundMessage{Channel: "http"})

	if cli != 2 || http != 1 {
		t.Errorf("cli=%d http=%d, want 2/1", cli, http)
	}
}

func TestOutboundWildcardSubscriber(t *testing.T) {
	b := NewMessageBus()
	var all, cli int
	b.SubscribeOutbound("*", func(OutboundMessage) { all++ })
	b.SubscribeOutbound("cli", func(OutboundMessage) { cli++ })

	b.PublishOutbound(OutboundMessage{Channel: "cli"})
	b.PublishOutbound(OutboundMessage{Channel: "http"})

	if all != 2 || cli != 1 {
		t.Errorf("all=%d cli=%d, want 2/1", all, cli)
	}
}

func TestUnsubscribeOutbound(t *testing.T) {
	b := NewMessageBus()
	var got int
	unsub := b.SubscribeOutbound("cli", func(OutboundMessage) { got++ })

	b.PublishOutbound(OutboundMessage{Channel: "cli"})
	unsub()
	b.PublishOutbound(OutboundMessage{Channel: "cli"})

	if got != 1 {
		t.Errorf("got %d deliveries, want 1", got)
	}
}
