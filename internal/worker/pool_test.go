package worker

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aras-services/mailauthd/internal/wireproto"
)

// fakeWorker serves one persistent connection, replying OK to every
// PASSV command it receives, until told to shut down.
func fakeWorker(t *testing.T, server net.Conn, shutdownAfter int) {
	t.Helper()
	rd := bufio.NewReader(server)
	count := 0
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return
		}
		cmd, err := wireproto.DecodeCommand(line)
		if err != nil {
			server.Close()
			return
		}
		count++
		if shutdownAfter > 0 && count > shutdownAfter {
			server.Write([]byte(wireproto.EncodeShutdown()))
			server.Close()
			return
		}
		server.Write([]byte(wireproto.EncodeOK(cmd.ID, "")))
	}
}

func pipeDialer(t *testing.T, shutdownAfter int) DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		go fakeWorker(t, server, shutdownAfter)
		return client, nil
	}
}

func TestCallRoundTrip(t *testing.T) {
	p := NewPool(Config{MaxWorkers: 2}, pipeDialer(t, 0), nil)
	defer p.Close()

	reply, err := p.Call(context.Background(), time.Second, func(id uint64) string {
		return wireproto.EncodePASSV(id, 1, "alice", "hunter2", "")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Kind != wireproto.ReplyOK {
		t.Fatalf("got %+v", reply)
	}
}

func TestCallReusesIdleConnection(t *testing.T) {
	dialCount := 0
	dial := func(ctx context.Context) (net.Conn, error) {
		dialCount++
		client, server := net.Pipe()
		go fakeWorker(t, server, 0)
		return client, nil
	}
	p := NewPool(Config{MaxWorkers: 1}, dial, nil)
	defer p.Close()

	for i := 0; i < 3; i++ {
		_, err := p.Call(context.Background(), time.Second, func(id uint64) string {
			return wireproto.EncodePASSV(id, 1, "alice", "x", "")
		})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if dialCount != 1 {
		t.Fatalf("expected a single dial across sequential reused calls, got %d", dialCount)
	}
}

func TestCallQueuesPastMaxWorkers(t *testing.T) {
	release := make(chan struct{})
	dial := func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			rd := bufio.NewReader(server)
			for {
				line, err := rd.ReadString('\n')
				if err != nil {
					return
				}
				cmd, _ := wireproto.DecodeCommand(line)
				<-release
				server.Write([]byte(wireproto.EncodeOK(cmd.ID, "")))
			}
		}()
		return client, nil
	}
	p := NewPool(Config{MaxWorkers: 1}, dial, nil)
	defer p.Close()

	done := make(chan error, 2)
	go func() {
		_, err := p.Call(context.Background(), 5*time.Second, func(id uint64) string {
			return wireproto.EncodePASSV(id, 1, "a", "x", "")
		})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond) // let the first call occupy the only worker
	go func() {
		_, err := p.Call(context.Background(), 5*time.Second, func(id uint64) string {
			return wireproto.EncodePASSV(id, 1, "b", "x", "")
		})
		done <- err
	}()

	close(release)
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("queued call failed: %v", err)
		}
	}
}

func TestCallReportsWorkerFailedOnDisconnect(t *testing.T) {
	dial := func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		server.Close() // closes before replying
		return client, nil
	}
	p := NewPool(Config{MaxWorkers: 1}, dial, nil)
	defer p.Close()

	_, err := p.Call(context.Background(), time.Second, func(id uint64) string {
		return wireproto.EncodePASSV(id, 1, "a", "x", "")
	})
	if err == nil {
		t.Fatal("expected an error from a dead connection")
	}
}

func TestCallReportsShutdown(t *testing.T) {
	// A worker pre-configured to shut down on its very first command.
	shutdownDial := func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			rd := bufio.NewReader(server)
			if _, err := rd.ReadString('\n'); err != nil {
				return
			}
			server.Write([]byte(wireproto.EncodeShutdown()))
			server.Close()
		}()
		return client, nil
	}
	p3 := NewPool(Config{MaxWorkers: 1}, shutdownDial, nil)
	defer p3.Close()

	_, err := p3.Call(context.Background(), time.Second, func(id uint64) string {
		return wireproto.EncodePASSV(id, 1, "a", "x", "")
	})
	if err != ErrWorkerShuttingDown {
		t.Fatalf("got %v", err)
	}
}

func TestStatsReportsOccupancy(t *testing.T) {
	p := NewPool(Config{MaxWorkers: 2}, pipeDialer(t, 0), nil)
	defer p.Close()

	if _, err := p.Call(context.Background(), time.Second, func(id uint64) string {
		return wireproto.EncodePASSV(id, 1, "alice", "x", "")
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := p.Stats()
	if stats.Live != 1 || stats.Idle != 1 || stats.Busy != 0 {
		t.Fatalf("got %+v", stats)
	}
}

func TestDestroyedConnectionSpawnsReplacementForQueuedWaiter(t *testing.T) {
	var dialCount int32
	release := make(chan struct{})
	dial := func(ctx context.Context) (net.Conn, error) {
		n := atomic.AddInt32(&dialCount, 1)
		client, server := net.Pipe()
		if n == 1 {
			go func() {
				rd := bufio.NewReader(server)
				line, err := rd.ReadString('\n')
				if err != nil {
					return
				}
				cmd, _ := wireproto.DecodeCommand(line)
				<-release
				// A reply id that doesn't match the request is a protocol
				// violation: the connection is destroyed rather than
				// recycled.
				server.Write([]byte(wireproto.EncodeOK(cmd.ID+1, "")))
			}()
		} else {
			go fakeWorker(t, server, 0)
		}
		return client, nil
	}
	p := NewPool(Config{MaxWorkers: 1}, dial, nil)
	defer p.Close()

	done := make(chan error, 2)
	go func() {
		_, err := p.Call(context.Background(), 5*time.Second, func(id uint64) string {
			return wireproto.EncodePASSV(id, 1, "a", "x", "")
		})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond) // let the first call occupy the only worker

	go func() {
		_, err := p.Call(context.Background(), 5*time.Second, func(id uint64) string {
			return wireproto.EncodePASSV(id, 1, "b", "x", "")
		})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond) // let the second call join the wait queue

	close(release)

	first := <-done
	if !errors.Is(first, ErrWorkerBuggy) {
		t.Fatalf("expected first call to report a protocol violation, got %v", first)
	}
	second := <-done
	if second != nil {
		t.Fatalf("expected the queued call to be served by a freshly spawned replacement connection, got %v", second)
	}
	if got := atomic.LoadInt32(&dialCount); got != 2 {
		t.Fatalf("expected exactly one replacement dial after the destroy, got %d dials", got)
	}
}

func TestDrainStopsSpawningAndRetiresIdle(t *testing.T) {
	p := NewPool(Config{MaxWorkers: 2}, pipeDialer(t, 0), nil)
	defer p.Close()

	if _, err := p.Call(context.Background(), time.Second, func(id uint64) string {
		return wireproto.EncodePASSV(id, 1, "alice", "x", "")
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.Drain()
	stats := p.Stats()
	if !stats.Draining || stats.Live != 0 || stats.Idle != 0 {
		t.Fatalf("expected draining with idle connection retired, got %+v", stats)
	}
}
