package comm_test

import (
	"bufio"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nasa-jpl/scanscope/comm"
)

// echoServer answers every line it receives with the same line
func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(conn, conn)
		}
	}()
	return ln.Addr().String()
}

func countingMaker(addr string, n *int32) comm.CreationFunc {
	inner := comm.BackingOffTCPConnMaker(addr, time.Second)
	return func() (io.ReadWriteCloser, error) {
		atomic.AddInt32(n, 1)
		return inner()
	}
}

func TestPoolReusesConnections(t *testing.T) {
	var made int32
	p := comm.NewPool(2, time.Minute, countingMaker(echoServer(t), &made))
	defer p.Close()
	for i := 0; i < 5; i++ {
		c, err := p.Get()
		if err != nil {
			t.Fatal(err)
		}
		p.Put(c)
	}
	if made != 1 {
		t.Errorf("%d connections made, expected 1", made)
	}
	if p.Size() != 1 || p.Idle() != 1 {
		t.Errorf("size %d idle %d", p.Size(), p.Idle())
	}
}

func TestPoolBlocksAtCapacity(t *testing.T) {
	p := comm.NewPool(1, time.Minute, comm.BackingOffTCPConnMaker(echoServer(t), time.Second))
	defer p.Close()
	c, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan struct{})
	go func() {
		c2, err := p.Get()
		if err == nil {
			p.Put(c2)
		}
		close(got)
	}()
	select {
	case <-got:
		t.Fatal("second Get did not wait for the connection")
	case <-time.After(20 * time.Millisecond):
	}
	p.Put(c)
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("second Get never returned")
	}
}

func TestPoolDestroyFreesSlot(t *testing.T) {
	var made int32
	p := comm.NewPool(1, time.Minute, countingMaker(echoServer(t), &made))
	defer p.Close()
	c, _ := p.Get()
	p.ReturnWithError(c, io.ErrUnexpectedEOF)
	c, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	p.Put(c)
	if made != 2 {
		t.Errorf("%d connections made, expected 2", made)
	}
}

func TestPoolReclaimsIdle(t *testing.T) {
	p := comm.NewPool(1, 5*time.Millisecond, comm.BackingOffTCPConnMaker(echoServer(t), time.Second))
	c, err := p.Get()
	if err != nil {
		t.Fatal(err)
	}
	p.Put(c)
	time.Sleep(50 * time.Millisecond)
	if p.Size() != 0 {
		t.Errorf("size %d after idle timeout", p.Size())
	}
	p.Close()
	if _, err := p.Get(); err != comm.ErrPoolClosed {
		t.Errorf("Get on closed pool: %v", err)
	}
}

func TestRefusedConnectionFailsFast(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()
	start := time.Now()
	_, err := comm.BackingOffTCPConnMaker(addr, time.Second)()
	if err == nil {
		t.Fatal("connected to a closed port")
	}
	if time.Since(start) > time.Second {
		t.Errorf("refused connection retried for %v", time.Since(start))
	}
}

func TestTerminatorFraming(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	term := comm.NewTerminator(comm.NewTimeout(a, a, time.Second), '\n', '\n')
	go func() {
		line, _ := bufio.NewReader(b).ReadString('\n')
		b.Write([]byte("re:" + line[:len(line)-1] + "\r\n"))
	}()
	if _, err := term.Write([]byte("PLANE:Z?")); err != nil {
		t.Fatal(err)
	}
	msg, err := term.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(msg) != "re:PLANE:Z?" {
		t.Errorf("got %q", msg)
	}
}

func TestTimeoutExpires(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	rw := comm.NewTimeout(a, a, 10*time.Millisecond)
	buf := make([]byte, 8)
	if _, err := rw.Read(buf); err == nil {
		t.Error("read on a silent pipe did not time out")
	}
}
