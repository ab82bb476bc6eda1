// Package storagetest starts an embedded NATS server with JetStream for
// store tests.
package storagetest

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"
)

// StartServer runs an embedded JetStream-enabled NATS server, torn down
// when the test finishes.
func StartServer(t *testing.T) *server.Server {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)

	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second), "nats server did not start")
	t.Cleanup(ns.Shutdown)
	return ns
}

// Start runs an embedded JetStream-enabled NATS server and returns a
// JetStream context bound to it. The server and connection are torn down
// when the test finishes.
func Start(t *testing.T) jetstream.JetStream {
	t.Helper()

	ns := StartServer(t)
	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	js, err := jetstream.New(conn)
	require.NoError(t, err)
	return js
}
