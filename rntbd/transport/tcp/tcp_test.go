package tcp

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/rntbd/rntbd/common"
)

func TestConnectAndUpgrade(t *testing.T) {
	listener, err := NewServerConnector(nil).Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	opts := common.DefaultOptions()
	opts.TCPKeepAlive = 30 * time.Second
	opts.ReadBufferSize = 64 * 1024
	opts.WriteBufferSize = 64 * 1024

	c := NewConnector(opts)
	if c.GetName() != "tcp" {
		t.Errorf("Expected name tcp, got %q", c.GetName())
	}

	conn, err := c.Connect(context.Background(), listener.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	var server net.Conn
	select {
	case server = <-accepted:
		defer server.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for the server to accept")
	}

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	buf := make([]byte, 4)
	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(server, buf); err != nil || string(buf) != "ping" {
		t.Errorf("Expected ping, got %q (%v)", buf, err)
	}
}

func TestConnectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewConnector(common.DefaultOptions()).Connect(ctx, "127.0.0.1:1")
	if err == nil {
		t.Fatal("Expected connecting with a cancelled context to fail")
	}
}

func TestConnectRefused(t *testing.T) {
	// grab a free port and release it again
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	opts := common.DefaultOptions()
	opts.ConnectionTimeout = time.Second
	start := time.Now()
	if _, err := NewConnector(opts).Connect(context.Background(), addr); err == nil {
		t.Fatal("Expected connecting to a closed port to fail")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Connect took %s, expected the connection timeout to apply", elapsed)
	}
}

func TestUpgradeIgnoresNonTCP(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	if err := UpgradeConnection(a, common.DefaultOptions()); err != nil {
		t.Errorf("Expected non-TCP connections to be left alone, got %v", err)
	}
}
