package fixtures

import (
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	srvtest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
)

// StartJetStreamServer runs an embedded NATS server with JetStream enabled on a random port.
func StartJetStreamServer(t *testing.T) *server.Server {
	t.Helper()

	opts := srvtest.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()

	return srvtest.RunServer(&opts)
}

// JetStreamContext returns a connection and JetStream context on the server.
func JetStreamContext(t *testing.T, s *server.Server) (*nats.Conn, nats.JetStreamContext) {
	t.Helper()

	nc, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("connect => %v", err)
	}

	js, err := nc.JetStream(nats.MaxWait(10 * time.Second))
	if err != nil {
		t.Fatalf("JetStream => %v", err)
	}

	return nc, js
}

// ShutdownJetStream stops the server and removes its storage.
func ShutdownJetStream(t *testing.T, s *server.Server) {
	t.Helper()

	var sd string
	if config := s.JetStreamConfig(); config != nil {
		sd = config.StoreDir
	}

	s.Shutdown()

	if sd != "" {
		if err := os.RemoveAll(sd); err != nil {
			t.Fatalf("Unable to remove storage %q: %v", sd, err)
		}
	}

	s.WaitForShutdown()
}
