package comm_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.jpl.nasa.gov/bdube/iqcal/comm"
)

// tcpEchoServer listens on a free loopback port and echoes every connection
func tcpEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("could not listen:", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io.Copy(conn, conn); conn.Close() }()
		}
	}()
	return ln.Addr().String()
}

func echoPool(t *testing.T, size int, timeout time.Duration) *comm.Pool {
	addr := tcpEchoServer(t)
	maker := func() (io.ReadWriteCloser, error) {
		return net.Dial("tcp", addr)
	}
	return comm.NewPool(size, timeout, maker)
}

func TestPoolToCapacity(t *testing.T) {
	pool := echoPool(t, 3, time.Second)
	for i := 0; i < 3; i++ {
		if _, err := pool.Get(); err != nil {
			t.Fatal("could not get connection:", err)
		}
	}
	if pool.Active() != 3 || pool.Created() != 3 {
		t.Errorf("expected 3 leased and created, got %d and %d", pool.Active(), pool.Created())
	}
}

func TestPoolReleasesReuse(t *testing.T) {
	pool := echoPool(t, 3, time.Second)
	for i := 0; i < 3; i++ {
		conn, err := pool.Get()
		if err != nil {
			t.Fatal("could not get connection:", err)
		}
		if err = pool.Put(conn); err != nil {
			t.Fatal(err)
		}
	}
	if pool.Created() != 1 {
		t.Errorf("expected one connection to be reused, %d were made", pool.Created())
	}
}

func TestPoolReleasesExpire(t *testing.T) {
	pool := echoPool(t, 3, 10*time.Millisecond)
	conn, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	pool.Put(conn)
	time.Sleep(200 * time.Millisecond)
	if pool.Idle() != 0 {
		t.Errorf("expected idle connections to be closed, %d remain", pool.Idle())
	}
	if _, err = pool.Get(); err != nil {
		t.Fatal(err)
	}
	if pool.Created() != 2 {
		t.Errorf("expected a fresh connection after expiry, %d were made", pool.Created())
	}
}

func TestPoolMaintainsSize(t *testing.T) {
	pool := echoPool(t, 2, time.Second)
	held := []io.ReadWriter{}
	for i := 0; i < 2; i++ {
		rw, err := pool.Get()
		if err != nil {
			t.Fatal("could not get connection:", err)
		}
		held = append(held, rw)
	}
	newConn := make(chan io.ReadWriter, 1)
	go func() {
		rw, _ := pool.Get()
		newConn <- rw
	}()
	select {
	case <-newConn:
		t.Fatal("failed to prevent pool overflow")
	case <-time.After(100 * time.Millisecond):
	}
	pool.ReturnWithError(held[0], nil)
	select {
	case rw := <-newConn:
		if rw != held[0] {
			t.Error("expected the returned connection to be handed out again")
		}
	case <-time.After(time.Second):
		t.Fatal("waiting Get was not released by Put")
	}
}

func TestReturnWithErrorDestroys(t *testing.T) {
	pool := echoPool(t, 1, time.Second)
	rw, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	pool.ReturnWithError(rw, io.ErrUnexpectedEOF)
	if pool.Idle() != 0 || pool.Active() != 0 {
		t.Errorf("expected the connection to be discarded, idle %d active %d", pool.Idle(), pool.Active())
	}
	if err = pool.Put(rw); err != comm.ErrNotFromPool {
		t.Errorf("expected ErrNotFromPool for a destroyed connection, got %v", err)
	}
}

func TestTerminatorRoundTrip(t *testing.T) {
	pool := echoPool(t, 1, time.Second)
	rw, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Put(rw)
	if err = comm.SetTimeout(rw, time.Second); err != nil {
		t.Fatal(err)
	}
	term := comm.NewTerminator(rw, '\n', '\n')
	for _, msg := range []string{"*IDN?", "FREQ 1E9\n"} {
		if _, err = term.Write([]byte(msg)); err != nil {
			t.Fatal(err)
		}
	}
	first, err := term.ReadLine()
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 3)
	n, err := term.Read(buf)
	if string(first) != "*IDN?" {
		t.Errorf("expected *IDN?, got %q", first)
	}
	if err != comm.ErrLineTooLong || string(buf[:n]) != "FRE" {
		t.Errorf("expected a truncated line and ErrLineTooLong, got %q, %v", buf[:n], err)
	}
}

func TestBackingOffTCPConnMaker(t *testing.T) {
	addr := tcpEchoServer(t)
	conn, err := comm.BackingOffTCPConnMaker(addr, time.Second)()
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
}
