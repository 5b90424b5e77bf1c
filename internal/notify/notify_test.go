package notify

import (
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestPublishSubscribe(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := Connect(Options{URL: server.ClientURL(), Name: "test"}, nil)
	require.NoError(t, err)
	defer nc.Close()

	appended := make(chan Message, 1)
	embedded := make(chan Message, 1)
	sub, err := Subscribe(nc, "thoughtd", Handlers{
		Appended: func(m Message) { appended <- m },
		Embedded: func(m Message) { embedded <- m },
	}, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	pub := NewPublisher(nc, "thoughtd", nil)
	pub.Appended("acme", 7)
	pub.Embedded("acme", "t-1")
	require.NoError(t, nc.Flush())

	select {
	case m := <-appended:
		assert.Equal(t, "acme", m.Tenant)
		assert.Equal(t, int64(7), m.Position)
	case <-time.After(2 * time.Second):
		t.Fatal("appended notification not received")
	}
	select {
	case m := <-embedded:
		assert.Equal(t, "t-1", m.ThoughtID)
	case <-time.After(2 * time.Second):
		t.Fatal("embedded notification not received")
	}
}

func TestSubscribe_IgnoresGarbage(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	got := make(chan Message, 1)
	_, err = Subscribe(nc, "thoughtd", Handlers{Appended: func(m Message) { got <- m }}, nil)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	require.NoError(t, nc.Publish("thoughtd.appended.acme", []byte("not json")))
	require.NoError(t, nc.Publish("thoughtd.appended.acme", []byte(`{"position":3}`)))
	require.NoError(t, nc.Flush())

	select {
	case m := <-got:
		assert.Equal(t, "acme", m.Tenant, "tenant falls back to the subject")
		assert.Equal(t, int64(3), m.Position)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not received")
	}
}

func TestNilPublisher(t *testing.T) {
	var p *Publisher
	assert.NotPanics(t, func() {
		p.Appended("acme", 1)
		p.Embedded("acme", "t")
	})
	assert.Nil(t, NewPublisher(nil, "x", nil))
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "thoughtd.appended.acme", Subject("thoughtd", kindAppended, "acme"))
}
