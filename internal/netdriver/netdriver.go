// Package netdriver implements the network driver (spec.md §4.3, component
// C3): opening a socket to the target, delivering a message sequence,
// collecting per-message response sizes, and spinning on the session
// coverage bitmap until the server quiesces.
//
// Grounded on the teacher's internal/vm network plumbing (dial-with-retry,
// deadline-based read/write) generalized from a Deephaven worker socket to
// an arbitrary TCP/UDP byte-stream target.
package netdriver

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"time"

	"github.com/dsmmcken/ssfuzz/internal/bitmap"
	"github.com/dsmmcken/ssfuzz/internal/config"
	"github.com/dsmmcken/ssfuzz/internal/flog"
)

// Sampler returns a live view of the target's current coverage bitmap,
// normally backed by the fork-server's SysV shared-memory segment
// (internal/shm). The network driver polls it to detect quiescence.
type Sampler func() *bitmap.Map

// Result is the outcome of delivering one message sequence (spec §4.3
// steps 6-7).
type Result struct {
	// ResponseBytes[i] is the cumulative response byte count after
	// message i has been sent and its response window has been read.
	ResponseBytes []int
	// Responses[i] is the raw response chunk read after message i, fed to
	// protocolapi.Plugin.ExtractResponseCodes by the caller to build the
	// region state sequence (spec §3 "Regions").
	Responses   [][]byte
	Greeting    []byte
	ShortSend   bool // a send wrote fewer bytes than requested
	LikelyBuggy bool // some message produced zero additional response bytes
}

// dialRetryWindow bounds how long Deliver retries a connect while the
// server is still starting (spec §4.3 step 4: "retrying up to ~1 second").
const dialRetryWindow = 1 * time.Second

// quiescenceMaxPolls bounds the quiescence spin so a server that never
// settles cannot hang the fuzzer loop forever; PollInterval * this is the
// worst-case time spent per execution waiting on quiescence.
const quiescenceMaxPolls = 2000

// Deliver runs one full network driver pass for a message sequence (spec
// §4.3). sample is consulted only if non-nil; with a nil sampler,
// quiescence is skipped entirely (e.g. for dry-run calibration against a
// target with no live shared-memory bitmap yet).
func Deliver(ctx context.Context, target config.NetworkTarget, messages [][]byte, cfg config.Config, sample Sampler) (Result, error) {
	if cfg.CleanupScript != "" {
		if err := runCleanup(ctx, cfg.CleanupScript); err != nil {
			flog.Warnf("cleanup script failed: %v", err)
		}
	}

	if cfg.ServerWait > 0 {
		select {
		case <-time.After(cfg.ServerWait):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	conn, err := dialWithRetry(ctx, target, cfg)
	if err != nil {
		return Result{}, fmt.Errorf("dialing %s: %w", target.String(), err)
	}
	defer conn.Close()

	var res Result
	if cfg.CollectGreeting {
		res.Greeting = readAvailable(conn, cfg.SocketTimeout)
	}

	total := 0
	prevTotal := 0
	for i, msg := range messages {
		conn.SetWriteDeadline(deadline(cfg.SocketTimeout))
		n, werr := conn.Write(msg)
		if n < len(msg) {
			res.ShortSend = true
			total += len(drainPending(conn, cfg.SocketTimeout))
			res.ResponseBytes = append(res.ResponseBytes, total)
			break
		}
		if werr != nil {
			return res, fmt.Errorf("writing message %d: %w", i, werr)
		}

		chunk := readAvailable(conn, cfg.SocketTimeout)
		res.Responses = append(res.Responses, chunk)
		total += len(chunk)
		res.ResponseBytes = append(res.ResponseBytes, total)
		if total == prevTotal {
			res.LikelyBuggy = true
		}
		prevTotal = total
	}

	if sample != nil {
		waitForQuiescence(cfg, sample)
	}

	if cfg.GracefulTerm {
		sendGracefulTerm(conn)
	}

	return res, nil
}

func runCleanup(ctx context.Context, script string) error {
	cmd := exec.CommandContext(ctx, script)
	return cmd.Run()
}

func dialWithRetry(ctx context.Context, target config.NetworkTarget, cfg config.Config) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", target.Host, target.Port)
	network := target.Scheme
	deadlineAt := time.Now().Add(dialRetryWindow)

	var dialer net.Dialer
	if cfg.BindLocalPort > 0 {
		dialer.LocalAddr = &net.TCPAddr{Port: cfg.BindLocalPort}
		if network == "udp" {
			dialer.LocalAddr = &net.UDPAddr{Port: cfg.BindLocalPort}
		}
	}

	var lastErr error
	for {
		dialCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		conn, err := dialer.DialContext(dialCtx, network, addr)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if time.Now().After(deadlineAt) {
			return nil, lastErr
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		d = time.Millisecond
	}
	return time.Now().Add(d)
}

// readAvailable reads whatever the peer sends within the socket timeout
// window, returning an empty (not nil) slice on timeout.
func readAvailable(conn net.Conn, timeout time.Duration) []byte {
	conn.SetReadDeadline(deadline(timeout))
	buf := make([]byte, 65536)
	var out []byte
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			break
		}
		if n < len(buf) {
			break
		}
	}
	return out
}

// drainPending reads and discards whatever is still pending after an
// aborted (short) send, per spec §4.3 step 6.
func drainPending(conn net.Conn, timeout time.Duration) []byte {
	return readAvailable(conn, timeout)
}

// waitForQuiescence spins resetting a fresh session-virgin map against the
// live sample until a poll produces no new coverage bits (spec §4.3 step
// 7), or quiescenceMaxPolls is exhausted.
func waitForQuiescence(cfg config.Config, sample Sampler) {
	first := sample()
	if first == nil {
		return
	}
	sessionVirgin := bitmap.NewVirgin(first.Len())

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Millisecond
	}
	for i := 0; i < quiescenceMaxPolls; i++ {
		current := sample()
		if current == nil {
			return
		}
		classified := bitmap.NewMap(current.Len())
		copy(classified.Bytes(), current.Bytes())
		bitmap.Classify(classified)
		if bitmap.HasNewBits(sessionVirgin, classified) == bitmap.NoNovelty {
			return
		}
		time.Sleep(poll)
	}
}

// sendGracefulTerm best-effort signals the peer to terminate by closing
// the write half, the portable equivalent of a protocol-level FIN when no
// application-level termination message is configured.
func sendGracefulTerm(conn net.Conn) {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}
