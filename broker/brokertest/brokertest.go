// Package brokertest is a conformance suite shared by broker implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/jwtgateway/broker"
)

// BrokerFactory is a function that creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// settle gives a freshly started subscriber time to establish its position.
const settle = 50 * time.Millisecond

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishAndSubscribeFromBeginning", func(t *testing.T) {
		testPublishAndSubscribeFromBeginning(t, factory)
	})
	t.Run("PublishAndSubscribeFromLastEventID", func(t *testing.T) {
		testPublishAndSubscribeFromLastEventID(t, factory)
	})
	t.Run("MultipleSubscribersToSameConnection", func(t *testing.T) {
		testMultipleSubscribers(t, factory)
	})
	t.Run("ConnectionIsolation", func(t *testing.T) {
		testConnectionIsolation(t, factory)
	})
	t.Run("SubscriptionContextCancellation", func(t *testing.T) {
		testSubscriptionContextCancellation(t, factory)
	})
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) {
		testHandlerErrorStopsSubscription(t, factory)
	})
	t.Run("Cleanup", func(t *testing.T) {
		testCleanup(t, factory)
	})
	t.Run("ResumeFromNonExistentEventID", func(t *testing.T) {
		testResumeFromNonExistentEventID(t, factory)
	})
}

// Unit builds a work unit whose ID is tagged with n.
func Unit(connection string, n int) broker.WorkUnit {
	return broker.WorkUnit{
		ID:         fmt.Sprintf("unit-%d", n),
		Connection: connection,
		Route:      "test",
		Method:     "POST",
		Path:       "/api/test",
		Body:       []byte(fmt.Sprintf(`{"n":%d}`, n)),
		Attributes: map[string]string{broker.AttrSubject: "alice", broker.AttrAuthorized: "true"},
		CreatedAt:  time.Unix(1700000000, 0).UTC(),
	}
}

type collector struct {
	mu   sync.Mutex
	envs []broker.Envelope
}

func (c *collector) add(env broker.Envelope) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return len(c.envs)
}

func (c *collector) snapshot() []broker.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broker.Envelope(nil), c.envs...)
}

// subscribeN subscribes and cancels once n envelopes were received.
func subscribeN(ctx context.Context, b broker.Broker, connection, lastEventID string, n int) (*collector, <-chan error) {
	ctx, cancel := context.WithCancel(ctx)
	c := &collector{}
	done := make(chan error, 1)
	go func() {
		defer cancel()
		done <- b.Subscribe(ctx, connection, lastEventID, func(ctx context.Context, env broker.Envelope) error {
			if c.add(env) >= n {
				cancel()
			}
			return nil
		})
	}()
	return c, done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("subscription did not finish in time")
		return nil
	}
}

func publish(t *testing.T, b broker.Broker, connection string, n int) string {
	t.Helper()
	id, err := b.Publish(context.Background(), connection, Unit(connection, n))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id == "" {
		t.Fatalf("Publish returned empty event id")
	}
	return id
}

func testPublishAndSubscribeFromBeginning(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	conn := "conn-begin"
	defer cleanup(t, b, conn)

	c, done := subscribeN(context.Background(), b, conn, "", 1)
	time.Sleep(settle)
	id := publish(t, b, conn, 1)

	if err := wait(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("Subscribe returned %v, want context.Canceled", err)
	}
	got := c.snapshot()
	if len(got) != 1 {
		t.Fatalf("want 1 envelope, got %d", len(got))
	}
	if got[0].ID != id {
		t.Fatalf("event id = %q, want %q", got[0].ID, id)
	}
	want := Unit(conn, 1)
	if got[0].Unit.ID != want.ID || string(got[0].Unit.Body) != string(want.Body) || got[0].Unit.Attributes[broker.AttrSubject] != "alice" {
		t.Fatalf("unit not delivered intact: %+v", got[0].Unit)
	}
}

func testPublishAndSubscribeFromLastEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	conn := "conn-resume"
	defer cleanup(t, b, conn)

	var ids []string
	for i := 1; i <= 3; i++ {
		ids = append(ids, publish(t, b, conn, i))
	}

	c, done := subscribeN(context.Background(), b, conn, ids[0], 2)
	if err := wait(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("Subscribe returned %v", err)
	}
	got := c.snapshot()
	if len(got) != 2 || got[0].ID != ids[1] || got[1].ID != ids[2] {
		t.Fatalf("resumed envelopes = %+v, want ids %v", got, ids[1:])
	}
	if got[0].Unit.ID != "unit-2" || got[1].Unit.ID != "unit-3" {
		t.Fatalf("resumed out of order: %s, %s", got[0].Unit.ID, got[1].Unit.ID)
	}
}

func testMultipleSubscribers(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	conn := "conn-fanout"
	defer cleanup(t, b, conn)

	c1, d1 := subscribeN(context.Background(), b, conn, "", 2)
	c2, d2 := subscribeN(context.Background(), b, conn, "", 2)
	time.Sleep(settle)
	publish(t, b, conn, 1)
	publish(t, b, conn, 2)

	wait(t, d1)
	wait(t, d2)
	for i, c := range []*collector{c1, c2} {
		got := c.snapshot()
		if len(got) != 2 || got[0].Unit.ID != "unit-1" || got[1].Unit.ID != "unit-2" {
			t.Fatalf("subscriber %d got %+v", i, got)
		}
	}
}

func testConnectionIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanup(t, b, "conn-a")
	defer cleanup(t, b, "conn-b")

	ca, da := subscribeN(context.Background(), b, "conn-a", "", 1)
	time.Sleep(settle)
	publish(t, b, "conn-b", 99)
	publish(t, b, "conn-a", 1)

	wait(t, da)
	got := ca.snapshot()
	if len(got) != 1 || got[0].Unit.Connection != "conn-a" {
		t.Fatalf("connection a received %+v", got)
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	conn := "conn-cancel"
	defer cleanup(t, b, conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, conn, "", func(context.Context, broker.Envelope) error { return nil })
	}()
	time.Sleep(settle)
	cancel()
	if err := wait(t, done); err != context.Canceled {
		t.Fatalf("Subscribe returned %v, want context.Canceled", err)
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	conn := "conn-handler-err"
	defer cleanup(t, b, conn)

	boom := errors.New("boom")
	var calls int
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(context.Background(), conn, "", func(context.Context, broker.Envelope) error {
			calls++
			return boom
		})
	}()
	time.Sleep(settle)
	publish(t, b, conn, 1)
	publish(t, b, conn, 2)

	if err := wait(t, done); !errors.Is(err, boom) {
		t.Fatalf("Subscribe returned %v, want handler error", err)
	}
	if calls != 1 {
		t.Fatalf("handler called %d times after failing", calls)
	}
}

func testCleanup(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	conn := "conn-cleanup"

	id := publish(t, b, conn, 1)
	if err := b.Cleanup(context.Background(), conn); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := b.Subscribe(ctx, conn, id, func(context.Context, broker.Envelope) error { return nil })
	if !errors.Is(err, broker.ErrUnknownEventID) {
		t.Fatalf("resuming a cleaned up connection returned %v", err)
	}
}

func testResumeFromNonExistentEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	conn := "conn-missing-id"
	defer cleanup(t, b, conn)

	publish(t, b, conn, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := b.Subscribe(ctx, conn, "999999-0", func(context.Context, broker.Envelope) error { return nil })
	if !errors.Is(err, broker.ErrUnknownEventID) {
		t.Fatalf("Subscribe returned %v, want ErrUnknownEventID", err)
	}
}

func cleanup(t *testing.T, b broker.Broker, connection string) {
	t.Helper()
	if err := b.Cleanup(context.Background(), connection); err != nil {
		t.Errorf("Cleanup(%s): %v", connection, err)
	}
}
