package server

import (
	"context"
	"errors"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/msgnet/lib/accounts"
	"github.com/ValentinKolb/msgnet/network/client"
	"github.com/ValentinKolb/msgnet/network/common"
	"github.com/ValentinKolb/msgnet/network/connection"
	"github.com/ValentinKolb/msgnet/network/handler"
	"github.com/ValentinKolb/msgnet/network/message"
	"golang.org/x/crypto/bcrypt"
)

// echoChain answers every LoginRequest with a LoginAnswer carrying the same body
func echoChain() *handler.Chain {
	return handler.NewChain().On(message.LoginRequest, func(m message.Message) (message.Message, bool) {
		reply := message.New(message.LoginAnswer)
		reply.Body = m.Body
		reply.Sync()
		return reply, true
	})
}

func testConfig() common.ServerConfig {
	cfg := common.DefaultServerConfig()
	cfg.Endpoint = "127.0.0.1:0"
	cfg.Workers = 2
	cfg.MaxWorkers = 2 + runtime.NumCPU()
	return cfg
}

func startServer(t *testing.T, cfg common.ServerConfig, h handler.IRequestHandler, hooks Hooks) *Server {
	t.Helper()
	s := NewServer(cfg, h, hooks)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func connectClient(t *testing.T, s *Server) *client.Client {
	t.Helper()
	c := client.NewClient(common.DefaultClientConfig())
	port := s.Addr().(*net.TCPAddr).Port
	if err := c.Connect("127.0.0.1", uint16(port)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

// eventually polls cond, running a non-blocking Update between polls
func eventually(t *testing.T, s *Server, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		s.Update(false)
		time.Sleep(5 * time.Millisecond)
	}
}

func waitMessage(t *testing.T, c *client.Client, mt message.MessageType) message.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := c.WaitFor(ctx, mt)
	if err != nil {
		t.Fatalf("WaitFor(%s) failed: %v", mt, err)
	}
	return msg
}

func TestRequestReplyRoundTrip(t *testing.T) {
	s := startServer(t, testConfig(), echoChain(), Hooks{})
	c := connectClient(t, s)

	waitMessage(t, c, message.ServerAcceptAnswer)
	eventually(t, s, func() bool { return s.ConnectionCount() == 1 })

	conn := s.Connections()[0]
	if conn.ID() != common.DefaultFirstConnectionID {
		t.Errorf("first connection id = %d", conn.ID())
	}
	if got, ok := s.Lookup(conn.ID()); !ok || got != conn {
		t.Error("Lookup does not resolve the connection id")
	}

	req := message.New(message.LoginRequest)
	message.Push(&req, int32(1))
	message.Push(&req, false)
	message.Push(&req, int16(3))
	if err := c.Send(req); err != nil {
		t.Fatal(err)
	}

	done := make(chan message.Message, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m, _ := c.WaitFor(ctx, message.LoginAnswer)
		done <- m
	}()

	var reply message.Message
	eventually(t, s, func() bool {
		select {
		case reply = <-done:
			return true
		default:
			return false
		}
	})

	v3, _ := message.Extract[int16](&reply)
	v2, _ := message.Extract[bool](&reply)
	v1, _ := message.Extract[int32](&reply)
	if v3 != 3 || v2 != false || v1 != 1 {
		t.Errorf("reply fields = %d %v %d", v3, v2, v1)
	}

	stats := s.Metrics().Stats()
	if stats.Accepted != 1 || stats.MessagesIn != 1 || stats.MessagesOut < 1 {
		t.Errorf("server stats = %+v", stats)
	}
}

func TestPerConnectionOrdering(t *testing.T) {
	s := startServer(t, testConfig(), nil, Hooks{})
	c := connectClient(t, s)

	for i := uint16(1); i <= 3; i++ {
		m := message.New(message.MessageStoreRequest)
		message.Push(&m, i)
		if err := c.Send(m); err != nil {
			t.Fatal(err)
		}
	}

	in := s.Incoming()
	deadline := time.Now().Add(5 * time.Second)
	for in.Size() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("received %d of 3 messages", in.Size())
		}
		time.Sleep(5 * time.Millisecond)
	}

	for want := uint16(1); want <= 3; want++ {
		m, _ := in.PopFront()
		got, err := message.Extract[uint16](&m)
		if err != nil || got != want {
			t.Errorf("message %d carries %d (%v)", want, got, err)
		}
		if m.Origin != common.DefaultFirstConnectionID {
			t.Errorf("origin = %d", m.Origin)
		}
	}
}

func TestDeadConnectionRemovedOnce(t *testing.T) {
	var disconnects atomic.Int32
	s := startServer(t, testConfig(), nil, Hooks{
		OnClientDisconnect: func(*connection.Connection) { disconnects.Add(1) },
	})
	c := connectClient(t, s)
	eventually(t, s, func() bool { return s.ConnectionCount() == 1 })
	conn := s.Connections()[0]

	c.Disconnect()
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not notice the closed socket")
	}

	// dead connections stay in the set until a message touches them
	if s.ConnectionCount() != 1 {
		t.Errorf("connection removed before it was messaged")
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.MessageClient(conn, message.New(message.MessageBroadcast))
		}()
	}
	wg.Wait()
	s.MessageAllClients(message.New(message.MessageBroadcast), nil)

	if disconnects.Load() != 1 {
		t.Errorf("disconnect hook called %d times", disconnects.Load())
	}
	if s.ConnectionCount() != 0 {
		t.Errorf("ConnectionCount = %d", s.ConnectionCount())
	}
	if _, ok := s.Lookup(conn.ID()); ok {
		t.Error("removed connection still resolvable")
	}
}

func TestMessageAllClientsExcept(t *testing.T) {
	var disconnects atomic.Int32
	s := startServer(t, testConfig(), nil, Hooks{
		OnClientConnect: func(*connection.Connection) bool { return true },
		OnClientDisconnect: func(*connection.Connection) {
			disconnects.Add(1)
		},
	})

	a := connectClient(t, s)
	eventually(t, s, func() bool { return s.ConnectionCount() == 1 })
	b := connectClient(t, s)
	eventually(t, s, func() bool { return s.ConnectionCount() == 2 })
	dead := connectClient(t, s)
	eventually(t, s, func() bool { return s.ConnectionCount() == 3 })

	conns := s.Connections()
	dead.Disconnect()
	<-conns[2].Done()

	broadcast := message.New(message.MessageBroadcast)
	message.Push(&broadcast, uint64(7))
	s.MessageAllClients(broadcast, conns[0])

	got := waitMessage(t, b, message.MessageBroadcast)
	if v, _ := message.Extract[uint64](&got); v != 7 {
		t.Errorf("broadcast carries %d", v)
	}

	time.Sleep(50 * time.Millisecond)
	if a.Incoming().Size() != 0 {
		t.Error("excluded client received the broadcast")
	}
	if disconnects.Load() != 1 || s.ConnectionCount() != 2 {
		t.Errorf("disconnects=%d connections=%d", disconnects.Load(), s.ConnectionCount())
	}
}

func TestRejectedClient(t *testing.T) {
	cfg := testConfig()
	cfg.Events = true
	s := startServer(t, cfg, nil, Hooks{
		OnClientConnect: func(*connection.Connection) bool { return false },
	})

	c := connectClient(t, s)
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("rejected client was not closed")
	}

	select {
	case ev := <-s.Events():
		if ev.Type != EventRejected {
			t.Errorf("event = %s", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
	if s.ConnectionCount() != 0 || s.Metrics().Stats().Rejected != 1 {
		t.Error("rejected client was registered")
	}
}

func TestLifecycleEvents(t *testing.T) {
	cfg := testConfig()
	cfg.Events = true
	cfg.FirstConnectionID = 1
	s := startServer(t, cfg, nil, Hooks{})

	next := func() *Event {
		t.Helper()
		select {
		case ev := <-s.Events():
			return ev
		case <-time.After(5 * time.Second):
			t.Fatal("no event")
			return nil
		}
	}

	c := connectClient(t, s)
	if ev := next(); ev.Type != EventConnected || ev.ID != 1 {
		t.Errorf("first event = %s", ev)
	}

	c.Disconnect()
	if ev := next(); ev.Type != EventClosed || ev.ID != 1 {
		t.Errorf("second event = %s", ev)
	}

	s.MessageAllClients(message.New(message.MessageBroadcast), nil)
	if ev := next(); ev.Type != EventDisconnected {
		t.Errorf("third event = %s", ev)
	}
}

func TestStartOnce(t *testing.T) {
	s := startServer(t, testConfig(), nil, Hooks{})
	if err := s.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v", err)
	}

	s.Stop()
	s.Stop()
	if err := s.Start(); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop = %v", err)
	}
}

func TestStartBindError(t *testing.T) {
	s1 := startServer(t, testConfig(), nil, Hooks{})

	cfg := testConfig()
	cfg.Endpoint = s1.Addr().String()
	s2 := NewServer(cfg, nil, Hooks{})
	defer s2.Stop()
	if err := s2.Start(); err == nil {
		t.Fatal("binding a used port succeeded")
	}
}

func TestStopWakesBlockedUpdate(t *testing.T) {
	s := startServer(t, testConfig(), nil, Hooks{})

	done := make(chan int, 1)
	go func() { done <- s.Update(true) }()

	time.Sleep(20 * time.Millisecond)
	s.Stop()

	select {
	case n := <-done:
		if n != 0 {
			t.Errorf("Update dispatched %d messages", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Update still blocked after Stop")
	}
}

func TestUpdateDispatchesSnapshot(t *testing.T) {
	var handled atomic.Int32
	chain := handler.NewChain().When(func(message.Message) bool { return true },
		func(message.Message) (message.Message, bool) {
			handled.Add(1)
			return message.Message{}, false
		})
	s := startServer(t, testConfig(), chain, Hooks{})

	for i := 0; i < 10; i++ {
		s.Incoming().PushBack(message.New(message.MessageStoreRequest))
	}
	if n := s.Update(false); n != 10 || handled.Load() != 10 {
		t.Errorf("Update = %d, handled = %d", n, handled.Load())
	}
	if n := s.Update(false); n != 0 {
		t.Errorf("second Update = %d", n)
	}
}

func TestWorkerScaling(t *testing.T) {
	cfg := testConfig()
	cfg.ScaleHighWater = 50
	cfg.ScaleLowWater = 5
	s := startServer(t, cfg, nil, Hooks{})

	if s.WorkerCount() != 2 {
		t.Fatalf("base workers = %d", s.WorkerCount())
	}

	for i := 0; i < 100; i++ {
		s.Incoming().PushBack(message.New(message.MessageStoreRequest))
	}
	s.Update(false)

	if got, want := s.WorkerCount(), cfg.MaxWorkers; got != want {
		t.Errorf("workers after burst = %d, want %d", got, want)
	}

	// an empty backlog scales back down to the base size
	eventually(t, s, func() bool { return s.WorkerCount() == 2 })
}

func TestMaxConnections(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	s := startServer(t, cfg, nil, Hooks{})

	first := connectClient(t, s)
	waitMessage(t, first, message.ServerAcceptAnswer)

	second := connectClient(t, s)
	time.Sleep(100 * time.Millisecond)
	if s.ConnectionCount() != 1 {
		t.Fatalf("ConnectionCount = %d, want 1", s.ConnectionCount())
	}

	// closing the first connection frees the slot
	first.Disconnect()
	eventually(t, s, func() bool {
		s.MessageAllClients(message.New(message.MessageBroadcast), nil)
		return s.Metrics().Stats().Accepted == 2
	})
	waitMessage(t, second, message.ServerAcceptAnswer)
}

func TestConnectionClosedDuringHook(t *testing.T) {
	cfg := testConfig()
	cfg.Events = true
	var seen atomic.Uint32
	s := startServer(t, cfg, nil, Hooks{
		OnClientConnect: func(c *connection.Connection) bool {
			c.Close()
			return true
		},
		OnClientDisconnect: func(c *connection.Connection) { seen.Store(uint32(c.ID())) },
	})

	connectClient(t, s)
	eventually(t, s, func() bool { return s.Metrics().Stats().Accepted == 1 })

	id := message.ConnID(common.DefaultFirstConnectionID)
	conn, ok := s.Lookup(id)
	if !ok || conn.ID() != id {
		t.Fatalf("Lookup(%d) = %v, %v", id, conn, ok)
	}

	for _, want := range []EventType{EventConnected, EventClosed} {
		select {
		case ev := <-s.Events():
			if ev.Type != want || ev.ID != id {
				t.Errorf("event = %s, want %s of [%d]", ev, want, id)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no %s event", want)
		}
	}

	s.MessageAllClients(message.New(message.MessageBroadcast), nil)
	if s.ConnectionCount() != 0 {
		t.Errorf("dead connection kept, %d left", s.ConnectionCount())
	}
	if message.ConnID(seen.Load()) != id {
		t.Errorf("disconnect hook saw id %d, want %d", seen.Load(), id)
	}
	if _, ok := s.Lookup(id); ok {
		t.Error("removed id still resolves")
	}
}

func TestNoHandlerMatched(t *testing.T) {
	silent := handler.NewChain().On(message.LoginRequest, func(message.Message) (message.Message, bool) {
		return message.Message{}, false
	})
	s := startServer(t, testConfig(), silent, Hooks{})
	c := connectClient(t, s)
	waitMessage(t, c, message.ServerAcceptAnswer)

	// a matched message without reply is not counted as unhandled
	if err := c.Send(message.New(message.LoginRequest)); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(message.New(message.MessageStoreRequest)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for dispatched := 0; dispatched < 2; dispatched += s.Update(false) {
		if time.Now().After(deadline) {
			t.Fatalf("dispatched %d messages, want 2", dispatched)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := s.Metrics().Stats().Unhandled; got != 1 {
		t.Errorf("unhandled = %d, want 1", got)
	}

	// a handler without Matches takes everything
	plain := NewServer(testConfig(), handler.HandlerFunc(func(message.Message) (message.Message, bool) {
		return message.Message{}, false
	}), Hooks{})
	if !plain.accepts(message.New(message.MessageBroadcast)) {
		t.Error("plain handler reported as not accepting")
	}
	if NewServer(testConfig(), nil, Hooks{}).accepts(message.New(message.LoginRequest)) {
		t.Error("server without handler accepts messages")
	}
}

func TestAccountsLoginEndToEnd(t *testing.T) {
	registry := accounts.NewRegistry(accounts.Options{Cost: bcrypt.MinCost})
	if err := registry.Register("alice@example.org", "alice", "secret"); err != nil {
		t.Fatal(err)
	}
	chain := handler.NewChain()
	accounts.Install(chain, registry)

	s := startServer(t, testConfig(), chain, Hooks{})
	c := connectClient(t, s)
	waitMessage(t, c, message.ServerAcceptAnswer)

	req, err := accounts.NewLoginRequest("alice@example.org", "alice", "secret")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Send(req); err != nil {
		t.Fatal(err)
	}

	answers := make(chan message.Message, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m, _ := c.WaitFor(ctx, message.LoginAnswer)
		answers <- m
	}()

	var answer message.Message
	eventually(t, s, func() bool {
		select {
		case answer = <-answers:
			return true
		default:
			return false
		}
	})

	ok, reason, err := accounts.ParseAnswer(answer)
	if err != nil || !ok {
		t.Fatalf("login answer = %v, %q, %v", ok, reason, err)
	}
	conn := s.Connections()[0]
	if name, ok := registry.User(conn.ID()); !ok || name != "alice" {
		t.Errorf("session of [%d] = %q, %v", conn.ID(), name, ok)
	}
}
