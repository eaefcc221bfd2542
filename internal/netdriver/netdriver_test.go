package netdriver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dsmmcken/ssfuzz/internal/bitmap"
	"github.com/dsmmcken/ssfuzz/internal/config"
)

// echoServer accepts one connection, echoes every message it receives
// except the second one (which it swallows silently), modeling the
// "likely buggy" scenario where one message yields zero response bytes.
func echoServer(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		msgIdx := 0
		for {
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			msgIdx++
			if msgIdx == 2 {
				continue // swallow the second message's response
			}
			conn.Write(buf[:n])
		}
	}()
}

func TestDeliver_LikelyBuggyOnSilentMessage(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	echoServer(t, ln)

	addr := ln.Addr().(*net.TCPAddr)
	target := config.NetworkTarget{Scheme: "tcp", Host: "127.0.0.1", Port: addr.Port}
	cfg := config.Defaults()
	cfg.ServerWait = 0
	cfg.SocketTimeout = 100 * time.Millisecond

	messages := [][]byte{[]byte("hello"), []byte("world"), []byte("again")}
	res, err := Deliver(context.Background(), target, messages, cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.LikelyBuggy {
		t.Fatalf("expected LikelyBuggy, got result %+v", res)
	}
	if len(res.ResponseBytes) != 3 {
		t.Fatalf("expected 3 response-byte samples, got %v", res.ResponseBytes)
	}
	if res.ResponseBytes[1] != res.ResponseBytes[0] {
		t.Fatalf("message 2 should add zero bytes: %v", res.ResponseBytes)
	}
	if res.ResponseBytes[2] <= res.ResponseBytes[1] {
		t.Fatalf("message 3 should add bytes: %v", res.ResponseBytes)
	}
}

func TestWaitForQuiescence_StopsWhenStable(t *testing.T) {
	m := bitmap.NewMap(bitmap.DefaultSize)
	m.Set(10, 5)
	calls := 0
	sample := func() *bitmap.Map {
		calls++
		return m
	}
	cfg := config.Defaults()
	cfg.PollInterval = time.Millisecond

	done := make(chan struct{})
	go func() {
		waitForQuiescence(cfg, sample)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("waitForQuiescence did not return on a stable bitmap")
	}
	if calls < 2 {
		t.Fatalf("expected at least 2 samples, got %d", calls)
	}
}
