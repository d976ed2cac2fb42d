// Package session implements the per-connection Session state, the
// duplex pipe between the remote stream and the WebSocket, and the
// outbound dispatch/retry policy. See SPEC_FULL.md §3, §4.5, §4.6, §9.
//
// Grounded on proxy/vless.UserConn's one-shot response-header logic
// (generalized here via go.uber.org/atomic.Bool) and netLayer/relay.go's
// Relay, whose two-goroutine full-duplex copy is reused for the duplex
// pipe (run under an errgroup.Group); the single-slot remote holder follows §9's explicit
// instruction to model it as an owned optional Session field rather than
// a captured closure.
package session

import (
	"io"
	"net"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// Mode is the outbound branch a session takes once its header is parsed.
type Mode int

const (
	ModeTCP Mode = iota
	ModeDNS
)

// State is the session's position in the §4.5 state machine. It exists
// for logging and testing; transitions are driven by the Ingress FSM and
// the dispatcher, not enforced by a central switch here.
type State int

const (
	StateNew State = iota
	StateAwaitHeader
	StateConnecting
	StateStreaming
	StateDNSStream
	StateTerminated
)

// RemoteStream is the capability set the outbound dispatcher needs from
// whatever it dials: a direct TCP connection or a SOCKS5-wrapped one.
type RemoteStream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Session is the per-accepted-WebSocket bookkeeping object: user
// identity, outbound mode, the single-slot remote stream, and the
// one-shot flags governing response-header emission and retry.
type Session struct {
	ID       string
	UserID   [16]byte
	Mode     Mode
	LogProto string // "tcp" or "udp", fixed at bind time for the log prefix

	logPrefix string

	state atomic.Int32

	headerSent atomic.Bool
	retryUsed  atomic.Bool

	remote RemoteStream // set at most twice: once on primary bind, once on retry rebind
}

// New allocates a Session with a fresh opaque id. remoteAddr/remotePort
// are the client's observed address, used only to build the log prefix.
func New(remoteAddr string, remotePort int, proto string) *Session {
	s := &Session{
		ID:       uuid.New().String()[:4],
		LogProto: proto,
	}
	s.state.Store(int32(StateNew))
	s.logPrefix = "[" + net.JoinHostPort(remoteAddr, itoa(remotePort)) + "-" + s.ID + " " + s.LogProto + "]"
	return s
}

// LogPrefix returns the rendered "[ip:port-xxxx tcp|udp]" string used on
// every log line this session emits. SPEC_FULL.md §10.1/§12.
func (s *Session) LogPrefix() string { return s.logPrefix }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [6]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// SetState transitions the session to st. Callers are responsible for
// only making transitions the §4.5 diagram allows.
func (s *Session) SetState(st State) { s.state.Store(int32(st)) }

// BindRemote sets the session's remote stream. Returns false if a remote
// is already bound — the one-way empty→bound transition must not be
// skipped by a concurrent caller.
func (s *Session) BindRemote(r RemoteStream) bool {
	if s.remote != nil {
		return false
	}
	s.remote = r
	return true
}

// Rebind replaces the session's remote stream exactly once, for the
// single retry attempt permitted by §4.5. Returns false if called a
// second time.
func (s *Session) Rebind(r RemoteStream) bool {
	if !s.retryUsed.CAS(false, true) {
		return false
	}
	s.remote = r
	return true
}

// Remote returns the currently bound remote stream, or nil if none.
func (s *Session) Remote() RemoteStream { return s.remote }

// markHeaderSent reports true the first time it is called for this
// session, false on every subsequent call — the P3 one-shot gate.
func (s *Session) markHeaderSent() bool { return s.headerSent.CAS(false, true) }

// RetryAvailable reports whether the single permitted retry has not yet
// been consumed.
func (s *Session) RetryAvailable() bool { return !s.retryUsed.Load() }
