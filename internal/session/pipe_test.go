package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

type fakeRemote struct {
	chunks [][]byte
	idx    int
	writes [][]byte
	closed bool
}

func (f *fakeRemote) Read(p []byte) (int, error) {
	if f.idx >= len(f.chunks) {
		return 0, io.EOF
	}
	c := f.chunks[f.idx]
	f.idx++
	return copy(p, c), nil
}

func (f *fakeRemote) Write(p []byte) (int, error) {
	f.writes = append(f.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeRemote) Close() error { f.closed = true; return nil }

// deadlineRemote wraps fakeRemote with a SetReadDeadline so tests can
// observe that copyRemoteToWS actually refreshes it, matching the
// deadliner interface that the retry dialers' real net.Conn satisfies.
type deadlineRemote struct {
	fakeRemote
	deadlines []time.Time
}

func (f *deadlineRemote) SetReadDeadline(t time.Time) error {
	f.deadlines = append(f.deadlines, t)
	return nil
}

type fakeWS struct {
	mu     sync.Mutex
	state  WSState
	writes [][]byte
	toRead chan []byte
}

func newFakeWS() *fakeWS {
	return &fakeWS{state: WSStateOpen, toRead: make(chan []byte)}
}

func (f *fakeWS) State() WSState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeWS) WriteMessage(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	return nil
}

func (f *fakeWS) ReadMessage() ([]byte, error) {
	msg, ok := <-f.toRead
	if !ok {
		return nil, io.EOF
	}
	return msg, nil
}

func (f *fakeWS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = WSStateClosed
	return nil
}

func newTestSession(proto string) *Session {
	return New("203.0.113.1", 51820, proto)
}

func TestCopyRemoteToWS_RefreshesReadDeadlinePerFrame(t *testing.T) {
	sess := newTestSession("tcp")
	remote := &deadlineRemote{fakeRemote: fakeRemote{chunks: [][]byte{[]byte("a"), []byte("b")}}}
	sess.BindRemote(remote)

	ws := newFakeWS()
	close(ws.toRead)

	if err := RunDuplexPipe(context.Background(), sess, ws, [2]byte{0x00, 0x00}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// One refresh before the first read, plus one after each of the two
	// successful reads: the deadline must move forward on every frame,
	// not be set once for the whole session.
	if len(remote.deadlines) != 3 {
		t.Fatalf("got %d SetReadDeadline calls, want 3", len(remote.deadlines))
	}
	for i := 1; i < len(remote.deadlines); i++ {
		if !remote.deadlines[i].After(remote.deadlines[i-1]) {
			t.Errorf("deadline %d (%v) did not move forward from deadline %d (%v)",
				i, remote.deadlines[i], i-1, remote.deadlines[i-1])
		}
	}
}

func TestRunDuplexPipe_HeaderOnceAndByteFidelity(t *testing.T) {
	sess := newTestSession("tcp")
	remote := &fakeRemote{chunks: [][]byte{[]byte("hello"), []byte(" world")}}
	sess.BindRemote(remote)

	ws := newFakeWS()
	close(ws.toRead)

	if err := RunDuplexPipe(context.Background(), sess, ws, [2]byte{0x00, 0x00}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ws.writes) != 2 {
		t.Fatalf("got %d frames, want 2", len(ws.writes))
	}
	want0 := append([]byte{0x00, 0x00}, []byte("hello")...)
	if string(ws.writes[0]) != string(want0) {
		t.Errorf("frame 0 = %q, want %q", ws.writes[0], want0)
	}
	if string(ws.writes[1]) != " world" {
		t.Errorf("frame 1 = %q, want %q", ws.writes[1], " world")
	}
}

func TestRunDuplexPipe_RetryOnZeroBytes(t *testing.T) {
	sess := newTestSession("tcp")
	primary := &fakeRemote{} // EOF immediately, zero bytes delivered
	sess.BindRemote(primary)

	ws := newFakeWS()
	close(ws.toRead)

	retryRemote := &fakeRemote{chunks: [][]byte{[]byte("pong")}}
	var retryCalls int
	retry := func(ctx context.Context) (RemoteStream, error) {
		retryCalls++
		return retryRemote, nil
	}

	if err := RunDuplexPipe(context.Background(), sess, ws, [2]byte{0x00, 0x00}, retry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if retryCalls != 1 {
		t.Fatalf("retry called %d times, want 1", retryCalls)
	}
	if len(ws.writes) != 1 {
		t.Fatalf("got %d frames, want 1", len(ws.writes))
	}
	want := append([]byte{0x00, 0x00}, []byte("pong")...)
	if string(ws.writes[0]) != string(want) {
		t.Errorf("frame = %q, want %q", ws.writes[0], want)
	}
	if sess.Remote() != retryRemote {
		t.Error("session should be rebound to the retry remote")
	}
}

func TestRunDuplexPipe_NoRetryWhenDataDelivered(t *testing.T) {
	sess := newTestSession("tcp")
	primary := &fakeRemote{chunks: [][]byte{[]byte("x")}}
	sess.BindRemote(primary)

	ws := newFakeWS()
	close(ws.toRead)

	var retryCalls int
	retry := func(ctx context.Context) (RemoteStream, error) {
		retryCalls++
		return nil, nil
	}

	if err := RunDuplexPipe(context.Background(), sess, ws, [2]byte{0x00, 0x00}, retry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retryCalls != 0 {
		t.Errorf("retry called %d times, want 0", retryCalls)
	}
}

func TestSafeClose_NeverPanics(t *testing.T) {
	for _, st := range []WSState{WSStateConnecting, WSStateOpen, WSStateClosing, WSStateClosed} {
		ws := newFakeWS()
		ws.state = st
		SafeClose(ws)
	}
}

func TestSession_RebindOnlyOnce(t *testing.T) {
	sess := newTestSession("tcp")
	sess.BindRemote(&fakeRemote{})

	if !sess.Rebind(&fakeRemote{}) {
		t.Fatal("first Rebind should succeed")
	}
	if sess.Rebind(&fakeRemote{}) {
		t.Error("second Rebind should fail")
	}
}

func TestSession_BindRemoteOnlyOnce(t *testing.T) {
	sess := newTestSession("tcp")
	if !sess.BindRemote(&fakeRemote{}) {
		t.Fatal("first BindRemote should succeed")
	}
	if sess.BindRemote(&fakeRemote{}) {
		t.Error("second BindRemote should fail")
	}
}
