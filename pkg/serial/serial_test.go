package serial

import (
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"
)

func TestPairReadWrite(t *testing.T) {
	a, b, err := Pair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	if !a.IsSocket() {
		t.Error("expected socket port")
	}
	if n, err := a.Write([]byte("hello")); err != nil || n != 5 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	buf := make([]byte, 16)
	n, err := b.Read(buf)
	if err != nil || string(buf[:n]) != "hello" {
		t.Errorf("Read = %q, %v", buf[:n], err)
	}
}

func TestReadTimeoutAndEOF(t *testing.T) {
	a, b, err := Pair()
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	b.SetReadTimeout(10 * time.Millisecond)
	if _, err := b.Read(make([]byte, 4)); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got: %v", err)
	}

	a.Close()
	if _, err := b.Read(make([]byte, 4)); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after peer close, got: %v", err)
	}
	if _, err := a.Write([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got: %v", err)
	}
}

func TestListenAndOpenSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driver.sock")
	ln, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan *Port, 1)
	go func() {
		p, err := ln.Accept()
		if err != nil {
			t.Errorf("Accept: %v", err)
			close(accepted)
			return
		}
		accepted <- p
	}()

	client, err := OpenSocket(path, time.Second)
	if err != nil {
		t.Fatalf("OpenSocket: %v", err)
	}
	defer client.Close()
	server := <-accepted
	if server == nil {
		t.FailNow()
	}
	defer server.Close()

	client.Write([]byte{0x7e})
	buf := make([]byte, 1)
	if n, err := server.Read(buf); err != nil || n != 1 || buf[0] != 0x7e {
		t.Errorf("Read = %d %v %v", n, buf, err)
	}
}

func TestListenerCloseUnblocksAccept(t *testing.T) {
	ln, err := Listen(filepath.Join(t.TempDir(), "x.sock"))
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := ln.Accept()
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	ln.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Accept did not return after Close")
	}
}

func TestOpenSocketTimeout(t *testing.T) {
	start := time.Now()
	_, err := OpenSocket(filepath.Join(t.TempDir(), "missing.sock"), 150*time.Millisecond)
	if err == nil {
		t.Fatal("expected error for missing socket")
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Errorf("expected retries before giving up, took %v", time.Since(start))
	}
}

func TestBaudRateToSpeed(t *testing.T) {
	if _, exact := baudRateToSpeed(115200); !exact {
		t.Error("expected 115200 to be a table rate")
	}
	if s, _ := baudRateToSpeed(9600); s == 0 {
		t.Error("expected non-zero speed for 9600")
	}
}

func TestOpenErrors(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Error("expected error without device")
	}
	if _, err := Open(Config{Device: filepath.Join(t.TempDir(), "nope")}); err == nil {
		t.Error("expected error for missing device")
	}
}
