// Package wsingress implements the Ingress FSM of SPEC_FULL.md §4.7: it
// accepts the HTTP upgrade, decodes early data, parses the VLESS header
// once, authenticates, and branches into the TCP dispatcher or the DoH
// adapter.
//
// Grounded on advLayer/ws/server.go's Handshake (OnRequest path check,
// early-data decode ahead of the upgrade) and ws/conn.go's net.Conn
// wrapper, adapted from a raw-net.Conn-then-upgrade model to a
// net/http.Handler model (gobwas/ws's ws.HTTPUpgrader) and from a
// byte-stream Read/Write surface to message-level ReadMessage/
// WriteMessage, since the one-shot response-header injection of §4.6
// needs frame boundaries ws/conn.go's Conn deliberately hides.
package wsingress

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/edgeproxy/vlessgw/internal/config"
	"github.com/edgeproxy/vlessgw/internal/doh"
	"github.com/edgeproxy/vlessgw/internal/earlydata"
	"github.com/edgeproxy/vlessgw/internal/logging"
	"github.com/edgeproxy/vlessgw/internal/session"
	"github.com/edgeproxy/vlessgw/internal/vlessproto"
)

// Handler is the http.Handler the front-end's WebSocket route dispatches
// to. One Handler serves every session for a process. Per-direction idle
// enforcement is session.IdleTimeout, a read deadline refreshed on every
// frame inside the duplex pipe and the DoH read loop below — not a fixed
// session TTL.
type Handler struct {
	Path   string
	Config *config.UpstreamConfig
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != h.Path {
		if ce := logging.CanLogWarn("ws path not match"); ce != nil {
			ce.Write(zap.String("path", r.URL.Path))
		}
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	early, err := earlydata.Decode(r.Header.Get("Sec-WebSocket-Protocol"))
	if err != nil {
		if ce := logging.CanLogWarn("early data decode failed"); ce != nil {
			ce.Write(zap.Error(err))
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	conn, _, _, err := (ws.HTTPUpgrader{}).Upgrade(r, w)
	if err != nil {
		if ce := logging.CanLogWarn("ws upgrade failed"); ce != nil {
			ce.Write(zap.Error(err))
		}
		return
	}

	wsc := newConn(conn)
	h.serve(r.Context(), wsc, early)
}

func (h *Handler) serve(ctx context.Context, ws *wsConn, early []byte) {
	remoteHost, remotePortStr, _ := net.SplitHostPort(ws.RemoteAddr().String())
	remotePort, _ := net.LookupPort("tcp", remotePortStr)

	first, err := nextChunk(ws, early)
	if err != nil {
		if ce := logging.CanLogWarn("ingress: failed to read first chunk"); ce != nil {
			ce.Write(zap.Error(err))
		}
		session.SafeClose(ws)
		return
	}

	header, err := vlessproto.ParseRequest(first, h.Config.AcceptedUserIDs)
	if err != nil {
		if vlessproto.IsAuthFailed(err) {
			// §7 AuthFailed: abort silently, no information leaked.
			session.SafeClose(ws)
			return
		}
		if ce := logging.CanLogWarn("ingress: malformed header"); ce != nil {
			ce.Write(zap.Error(err))
		}
		session.SafeClose(ws)
		return
	}

	proto := "tcp"
	if header.Command == vlessproto.CmdUDP {
		proto = "udp"
	}
	sess := session.New(remoteHost, remotePort, proto)
	sess.UserID = header.UserID
	responseHeader := vlessproto.BuildResponse(header.Version)

	switch header.Command {
	case vlessproto.CmdUDP:
		sess.Mode = session.ModeDNS
		sess.SetState(session.StateDNSStream)
		h.serveDoH(ctx, sess, ws, header, responseHeader)
	default:
		sess.Mode = session.ModeTCP
		sess.SetState(session.StateConnecting)
		if err := session.Dispatch(ctx, sess, h.Config, header, ws, responseHeader); err != nil {
			if ce := logging.CanLogWarn("ingress: session ended"); ce != nil {
				ce.Write(zap.String("session", sess.LogPrefix()), zap.Error(err))
			}
		}
	}
}

func (h *Handler) serveDoH(ctx context.Context, sess *session.Session, ws *wsConn, header *vlessproto.RequestHeader, responseHeader [2]byte) {
	resolver := doh.NewResolver(h.Config.DoHURL, 10*time.Second)
	sink := doh.NewFrameSink(func(frame []byte) error {
		return ws.WriteMessage(frame)
	}, responseHeader)

	splitter := &doh.Splitter{}
	for _, q := range splitter.Feed(header.Payload) {
		h.resolveAndFrame(ctx, sess, resolver, sink, q)
	}

	ws.SetReadDeadline(time.Now().Add(session.IdleTimeout))
	for {
		msg, err := ws.ReadMessage()
		if err != nil {
			session.SafeClose(ws)
			return
		}
		ws.SetReadDeadline(time.Now().Add(session.IdleTimeout))
		for _, q := range splitter.Feed(msg) {
			h.resolveAndFrame(ctx, sess, resolver, sink, q)
		}
	}
}

func (h *Handler) resolveAndFrame(ctx context.Context, sess *session.Session, resolver *doh.Resolver, sink *doh.FrameSink, query []byte) {
	reply, err := resolver.Query(ctx, query)
	if err != nil {
		doh.LogQueryError(sess.LogPrefix(), query, err)
		return
	}
	if err := sink.Frame(reply); err != nil {
		if ce := logging.CanLogWarn("doh: frame write failed"); ce != nil {
			ce.Write(zap.String("session", sess.LogPrefix()), zap.Error(err))
		}
	}
}

// nextChunk returns the bytes that open the ingress stream: the
// early-data buffer if non-empty, otherwise the first WebSocket message.
func nextChunk(ws *wsConn, early []byte) ([]byte, error) {
	if len(early) > 0 {
		return early, nil
	}
	return ws.ReadMessage()
}

// wsConn adapts a gobwas/ws connection to session.WSConn: message-level
// reads/writes plus a readiness flag SafeClose can inspect.
type wsConn struct {
	net.Conn
	state int32
}

func newConn(c net.Conn) *wsConn {
	return &wsConn{Conn: c, state: int32(session.WSStateOpen)}
}

func (c *wsConn) State() session.WSState {
	return session.WSState(atomic.LoadInt32(&c.state))
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	data, op, err := wsutil.ReadClientData(c.Conn)
	if err != nil {
		atomic.StoreInt32(&c.state, int32(session.WSStateClosed))
		return nil, err
	}
	if op == ws.OpClose {
		atomic.StoreInt32(&c.state, int32(session.WSStateClosing))
		return nil, net.ErrClosed
	}
	return data, nil
}

func (c *wsConn) WriteMessage(p []byte) error {
	if err := wsutil.WriteServerMessage(c.Conn, ws.OpBinary, p); err != nil {
		atomic.StoreInt32(&c.state, int32(session.WSStateClosed))
		return err
	}
	return nil
}

func (c *wsConn) Close() error {
	atomic.StoreInt32(&c.state, int32(session.WSStateClosed))
	return c.Conn.Close()
}
