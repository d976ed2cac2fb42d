package wsingress

import (
	"context"
	"encoding/base64"
	"net"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	gws "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/edgeproxy/vlessgw/internal/config"
	"github.com/edgeproxy/vlessgw/internal/vlessproto"
	"github.com/edgeproxy/vlessgw/internal/wireaddr"
)

var acceptedID, _ = vlessproto.ParseUUID("10e894da-61b1-4998-ac2b-e9ccb6af9d30")

// encodeRequest mirrors internal/vlessproto's own test helper; redefined
// here since a helper in another package's _test.go file cannot be
// imported.
func encodeRequest(version byte, id [16]byte, cmd byte, port uint16, atyp byte, addr []byte, payload []byte) []byte {
	buf := []byte{version}
	buf = append(buf, id[:]...)
	buf = append(buf, 0x00) // addon length
	buf = append(buf, cmd)
	buf = append(buf, byte(port>>8), byte(port))
	buf = append(buf, atyp)
	buf = append(buf, addr...)
	buf = append(buf, payload...)
	return buf
}

// startEchoListener stands in for the VLESS destination: the scenario's
// literal 1.2.3.4:443 is unroutable in a test, so the request below
// targets this loopback listener. It reads exactly wantPayload, then
// writes back reply.
func startEchoListener(t *testing.T, wantPayload, reply []byte) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		got := make([]byte, len(wantPayload))
		if _, err := readFull(conn, got); err != nil {
			return
		}
		if string(got) != string(wantPayload) {
			return
		}
		conn.Write(reply)
	}()
	return ln
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ipv4AddrAndPort splits ln's loopback address into the VLESS wire
// encoding's IPv4 address bytes and port.
func ipv4AddrAndPort(t *testing.T, ln net.Listener) ([]byte, uint16) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split listener addr: %v", err)
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		t.Fatalf("listener host %q is not an IPv4 literal", host)
	}
	port, _ := net.LookupPort("tcp", portStr)
	return []byte(ip), uint16(port)
}

func testHandler(path string) *Handler {
	return &Handler{
		Path: path,
		Config: &config.UpstreamConfig{
			AcceptedUserIDs: [][16]byte{acceptedID},
			DoHURL:          "https://example.invalid/dns-query",
		},
	}
}

// dialUpgrade performs the client-side WebSocket handshake against
// server, optionally carrying earlyData base64-encoded in the
// Sec-WebSocket-Protocol header. Grounded on advLayer/ws/client.go's
// Client.Handshake / HandshakeWithEarlyData: a gobwas/ws.Dialer with
// NetDial pinned to an already-open net.Conn, and Protocols set to the
// single base64 blob when early data is present.
func dialUpgrade(t *testing.T, server *httptest.Server, path string, earlyData []byte) net.Conn {
	t.Helper()
	u, err := url.Parse(server.URL + path)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}

	underlay, err := net.Dial("tcp", u.Host)
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}

	d := gws.Dialer{
		NetDial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return underlay, nil
		},
	}
	if len(earlyData) > 0 {
		d.Protocols = []string{base64.RawURLEncoding.EncodeToString(earlyData)}
	}

	if _, _, err := d.Upgrade(underlay, u); err != nil {
		underlay.Close()
		t.Fatalf("ws upgrade: %v", err)
	}
	return underlay
}

func TestHandler_ServeHTTP_TCPHappyPath(t *testing.T) {
	payload := []byte("GET / HTTP/1.0\r\n\r\n")
	reply := []byte("HTTP/1.0 200 OK\r\n\r\nhi")

	ln := startEchoListener(t, payload, reply)
	addr, port := ipv4AddrAndPort(t, ln)

	req := encodeRequest(0x00, acceptedID, vlessproto.CmdTCP, port, wireaddr.AtypIPv4, addr, payload)

	h := testHandler("/ws")
	server := httptest.NewServer(h)
	defer server.Close()

	conn := dialUpgrade(t, server, "/ws", nil)
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if err := wsutil.WriteClientMessage(conn, gws.OpBinary, req); err != nil {
		t.Fatalf("write request frame: %v", err)
	}

	got, op, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatalf("read response frame: %v", err)
	}
	if op != gws.OpBinary {
		t.Fatalf("op = %v, want OpBinary", op)
	}
	if len(got) < 2 || got[0] != 0x00 || got[1] != 0x00 {
		t.Fatalf("response header = %v, want [0x00 0x00] prefix", got[:min(2, len(got))])
	}
	if string(got[2:]) != string(reply) {
		t.Errorf("response body = %q, want %q", got[2:], reply)
	}
}

func TestHandler_ServeHTTP_EarlyDataTCPHappyPath(t *testing.T) {
	payload := []byte("GET / HTTP/1.0\r\n\r\n")
	reply := []byte("HTTP/1.0 200 OK\r\n\r\nhi")

	ln := startEchoListener(t, payload, reply)
	addr, port := ipv4AddrAndPort(t, ln)

	req := encodeRequest(0x00, acceptedID, vlessproto.CmdTCP, port, wireaddr.AtypIPv4, addr, payload)

	h := testHandler("/ws")
	server := httptest.NewServer(h)
	defer server.Close()

	// The whole request rides in the Sec-WebSocket-Protocol header; the
	// client never writes anything over the WebSocket itself.
	conn := dialUpgrade(t, server, "/ws", req)
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))

	got, op, err := wsutil.ReadServerData(conn)
	if err != nil {
		t.Fatalf("read response frame: %v", err)
	}
	if op != gws.OpBinary {
		t.Fatalf("op = %v, want OpBinary", op)
	}
	if len(got) < 2 || got[0] != 0x00 || got[1] != 0x00 {
		t.Fatalf("response header = %v, want [0x00 0x00] prefix", got[:min(2, len(got))])
	}
	if string(got[2:]) != string(reply) {
		t.Errorf("response body = %q, want %q", got[2:], reply)
	}
}
