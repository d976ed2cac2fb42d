package session

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"
)

// IdleTimeout bounds how long either side of the duplex pipe may go
// without delivering a frame before the underlying read unblocks with a
// timeout error and the session is torn down. It is a read deadline
// refreshed on every successfully read frame, not a fixed session TTL.
// Each direction has its own deadline, so the session ends once either
// direction goes IdleTimeout without a frame, even if the other is still
// busy. SPEC_FULL.md §12.
var IdleTimeout = 5 * time.Minute

// deadliner is implemented by the net.Conn values the remote dialers and
// the WebSocket wrapper return. Test doubles that don't implement it are
// simply left without a deadline.
type deadliner interface {
	SetReadDeadline(time.Time) error
}

// refreshReadDeadline pushes v's read deadline IdleTimeout into the
// future if v supports one.
func refreshReadDeadline(v interface{}) {
	if d, ok := v.(deadliner); ok {
		_ = d.SetReadDeadline(time.Now().Add(IdleTimeout))
	}
}

// WSState mirrors the readyState values a WebSocket connection moves
// through, used by SafeClose to decide whether Close is legal to call.
type WSState int

const (
	WSStateConnecting WSState = iota
	WSStateOpen
	WSStateClosing
	WSStateClosed
)

// WSConn is the capability set the duplex pipe needs from the client
// side: read the next message, write one, observe readiness, close.
type WSConn interface {
	State() WSState
	WriteMessage([]byte) error
	ReadMessage() ([]byte, error)
	Close() error
}

// SafeClose closes ws only if it is OPEN or CLOSING, and never returns
// an error — P8's close-idempotence property.
func SafeClose(ws WSConn) {
	switch ws.State() {
	case WSStateOpen, WSStateClosing:
		_ = ws.Close()
	}
}

// DialFunc performs the single permitted retry dial.
type DialFunc func(ctx context.Context) (RemoteStream, error)

// RunDuplexPipe drives §4.6 for the life of sess with an errgroup.Group
// running exactly two goroutines: one long-lived reader delivering WS
// messages to whichever remote is currently bound, and one that copies
// remote bytes to ws, injecting the one-shot response header on the first
// chunk. If the remote direction ends having delivered zero bytes and
// retryDial is non-nil, one fresh dial is attempted and the copy resumes
// against the new remote; otherwise the WebSocket is safely closed, which
// unblocks the reader side so both goroutines return and g.Wait() can
// report the first error either one produced.
func RunDuplexPipe(ctx context.Context, sess *Session, ws WSConn, responseHeader [2]byte, retryDial DialFunc) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		wsToRemoteLoop(sess, ws)
		return nil
	})

	g.Go(func() error {
		err := remoteSideWithRetry(gctx, sess, ws, responseHeader, retryDial)
		SafeClose(ws)
		return err
	})

	return g.Wait()
}

// wsToRemoteLoop is the session's single WebSocket reader. It writes
// each message to whichever remote is currently bound, re-reading the
// binding on every iteration so that a mid-session Rebind (the retry
// path) is picked up without needing a second reader on ws — there must
// only ever be one, to preserve the strict client→remote ordering §5
// requires.
func wsToRemoteLoop(sess *Session, ws WSConn) {
	refreshReadDeadline(ws)
	for {
		msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		refreshReadDeadline(ws)
		if len(msg) == 0 {
			continue
		}
		remote := sess.Remote()
		if remote == nil {
			continue
		}
		if _, err := remote.Write(msg); err != nil {
			return
		}
	}
}

func remoteSideWithRetry(ctx context.Context, sess *Session, ws WSConn, responseHeader [2]byte, retryDial DialFunc) error {
	primary := sess.Remote()
	hadData, err := copyRemoteToWS(sess, primary, ws, responseHeader)
	primary.Close()

	if hadData || retryDial == nil || !sess.RetryAvailable() {
		return err
	}

	newRemote, derr := retryDial(ctx)
	if derr != nil {
		return fmt.Errorf("session: retry dial failed: %w", derr)
	}
	if !sess.Rebind(newRemote) {
		newRemote.Close()
		return fmt.Errorf("session: retry already consumed")
	}

	_, err2 := copyRemoteToWS(sess, newRemote, ws, responseHeader)
	newRemote.Close()
	return err2
}

// copyRemoteToWS copies remote's bytes to ws until remote's read side
// ends, reporting whether at least one byte was ever delivered — the
// signal RunDuplexPipe's retry decision keys on (P6).
func copyRemoteToWS(sess *Session, remote RemoteStream, ws WSConn, responseHeader [2]byte) (hadData bool, err error) {
	buf := make([]byte, 32*1024)
	refreshReadDeadline(remote)
	for {
		n, rerr := remote.Read(buf)
		if n > 0 {
			refreshReadDeadline(remote)
			if ws.State() != WSStateOpen {
				return hadData, fmt.Errorf("session: websocket not open")
			}

			var frame []byte
			if sess.markHeaderSent() {
				frame = make([]byte, 0, 2+n)
				frame = append(frame, responseHeader[0], responseHeader[1])
				frame = append(frame, buf[:n]...)
			} else {
				frame = append([]byte(nil), buf[:n]...)
			}

			if werr := ws.WriteMessage(frame); werr != nil {
				return hadData, werr
			}
			hadData = true
		}
		if rerr != nil {
			if rerr == io.EOF {
				return hadData, nil
			}
			return hadData, rerr
		}
	}
}
