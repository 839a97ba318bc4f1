package overlay

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ayane-k/keyfwd/internal/keys"
)

func memoryPairForTest(t *testing.T) (Endpoint, Endpoint) {
	t.Helper()

	mnet := NewMemoryNetwork()
	kp := keys.FromSecret([]byte("memory test")).Derive("tcp7000")

	ls, err := mnet.Node().Listen(kp)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ls.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	local, err := mnet.Node().Connect(ctx, kp.Public)
	if err != nil {
		t.Fatal(err)
	}
	remote, err := ls.Accept(ctx)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return local, remote
}

func TestMemoryStreamFidelity(t *testing.T) {
	local, remote := memoryPairForTest(t)

	payload := make([]byte, 64*1024)
	rand.Read(payload)

	go func() {
		local.Stream().Write(payload)
		local.Stream().CloseWrite()
	}()

	got, err := io.ReadAll(remote.Stream())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("stream corrupted: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestMemoryStreamHalfClose(t *testing.T) {
	local, remote := memoryPairForTest(t)

	// Local finishes sending; the reverse direction must keep working.
	go func() {
		local.Stream().Write([]byte("request"))
		local.Stream().CloseWrite()
	}()

	buf, err := io.ReadAll(remote.Stream())
	if err != nil || string(buf) != "request" {
		t.Fatalf("read after half-close: %q, %v", buf, err)
	}

	// The memory stream is a synchronous pipe, so the reverse write runs
	// alongside the read that drains it.
	writeErr := make(chan error, 1)
	go func() {
		_, err := remote.Stream().Write([]byte("response"))
		remote.Stream().CloseWrite()
		writeErr <- err
	}()

	got, err := io.ReadAll(local.Stream())
	if err := <-writeErr; err != nil {
		t.Fatalf("write on half-closed session: %v", err)
	}
	if err != nil || string(got) != "response" {
		t.Fatalf("reverse direction broken: %q, %v", got, err)
	}
}

func TestMemoryDatagrams(t *testing.T) {
	local, remote := memoryPairForTest(t)

	recv := make(chan []byte, 4)
	remote.OnMessage(func(p []byte) { recv <- p })

	msgs := [][]byte{{0x01}, {0x02, 0x03}, {0x04, 0x05, 0x06}}
	for _, m := range msgs {
		if err := local.Send(m); err != nil {
			t.Fatal(err)
		}
	}

	for i, want := range msgs {
		select {
		case got := <-recv:
			if !bytes.Equal(got, want) {
				t.Fatalf("datagram %d: got %v, want %v", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("datagram %d never arrived", i)
		}
	}
}

func TestMemoryCloseBothSides(t *testing.T) {
	local, remote := memoryPairForTest(t)

	local.Close()

	select {
	case <-remote.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("remote Done did not fire after peer close")
	}

	if err := remote.Send([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close: %v, want ErrClosed", err)
	}

	// Close is idempotent on both ends.
	local.Close()
	remote.Close()
}

func TestMemoryConnectUnknownKey(t *testing.T) {
	mnet := NewMemoryNetwork()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	pub := keys.FromSecret([]byte("nobody home")).Public
	if _, err := mnet.Node().Connect(ctx, pub); !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("Connect to unknown key: %v, want ErrPeerNotFound", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	enc := encodeFrame(frameData, []byte("payload"))
	typ, payload, err := decodeFrame(enc)
	if err != nil || typ != frameData || string(payload) != "payload" {
		t.Fatalf("decode: %v %q %v", typ, payload, err)
	}

	typ, payload, err = decodeFrame(encodeFrame(frameEOF, nil))
	if err != nil || typ != frameEOF || len(payload) != 0 {
		t.Fatalf("eof decode: %v %q %v", typ, payload, err)
	}

	if _, _, err := decodeFrame(nil); err == nil {
		t.Fatal("empty frame should not decode")
	}
}
