// Package socks5dial implements an RFC 1928/1929 SOCKS5 client used by
// the outbound dispatcher when it must tunnel through an upstream proxy.
// See SPEC_FULL.md §4.3.
//
// Grounded on proxy/socks5/client.go's Handshake and proxy/socks5/socks5.go's
// RFC constants; extended to offer both no-auth and user/pass methods in
// the greeting (proxy/socks5/client.go's Handshake only ever offers
// no-auth).
package socks5dial

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/edgeproxy/vlessgw/internal/wireaddr"
)

const version5 = 0x05

const (
	authNoAuth   = 0x00
	authUserPass = 0x02
	authNoneAcceptable = 0xFF
)

const cmdConnect = 0x01

// SOCKS5 address types, distinct from the VLESS atyp values used on the
// wire between client and this gateway.
const (
	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
)

// Each RFC violation surfaces as a distinct sentinel, per §4.3.
var (
	ErrServerVersionMismatch = errors.New("socks5: server version mismatch")
	ErrNoAcceptableMethods   = errors.New("socks5: no acceptable authentication methods")
	ErrAuthRequiredNoCreds   = errors.New("socks5: server requires auth but no credentials configured")
	ErrAuthRejected          = errors.New("socks5: username/password rejected")
	ErrConnectFailed         = errors.New("socks5: CONNECT failed")
)

// Endpoint describes an upstream SOCKS5 proxy.
type Endpoint struct {
	Host     string
	Port     int
	Username string
	Password string
}

func (e Endpoint) hasCreds() bool {
	return e.Username != "" || e.Password != ""
}

func (e Endpoint) addr() string {
	return net.JoinHostPort(e.Host, fmt.Sprintf("%d", e.Port))
}

// Dial opens a TCP connection to e and performs the SOCKS5 handshake to
// CONNECT to dest, returning a stream ready for the initial payload write.
func Dial(ctx context.Context, e Endpoint, dest wireaddr.Addr) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", e.addr())
	if err != nil {
		return nil, fmt.Errorf("socks5: dial endpoint: %w", err)
	}

	if err := handshake(ctx, conn, e, dest); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func handshake(ctx context.Context, conn net.Conn, e Endpoint, dest wireaddr.Addr) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	methods := []byte{authNoAuth, authUserPass}
	greeting := append([]byte{version5, byte(len(methods))}, methods...)
	if _, err := conn.Write(greeting); err != nil {
		return fmt.Errorf("socks5: write greeting: %w", err)
	}

	var reply [2]byte
	if _, err := readFull(conn, reply[:]); err != nil {
		return fmt.Errorf("socks5: read method selection: %w", err)
	}
	if reply[0] != version5 {
		return ErrServerVersionMismatch
	}

	switch reply[1] {
	case authNoAuth:
		// nothing further to negotiate
	case authUserPass:
		if !e.hasCreds() {
			return ErrAuthRequiredNoCreds
		}
		if err := authenticate(conn, e); err != nil {
			return err
		}
	case authNoneAcceptable:
		return ErrNoAcceptableMethods
	default:
		return fmt.Errorf("socks5: unexpected method selected 0x%02x", reply[1])
	}

	return connect(conn, dest)
}

func authenticate(conn net.Conn, e Endpoint) error {
	req := make([]byte, 0, 3+len(e.Username)+len(e.Password))
	req = append(req, 0x01, byte(len(e.Username)))
	req = append(req, e.Username...)
	req = append(req, byte(len(e.Password)))
	req = append(req, e.Password...)

	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("socks5: write auth: %w", err)
	}

	var resp [2]byte
	if _, err := readFull(conn, resp[:]); err != nil {
		return fmt.Errorf("socks5: read auth reply: %w", err)
	}
	if resp[1] != 0x00 {
		return ErrAuthRejected
	}
	return nil
}

func connect(conn net.Conn, dest wireaddr.Addr) error {
	atyp, addrBytes := toSocks5Address(dest)

	req := make([]byte, 0, 4+len(addrBytes)+2)
	req = append(req, version5, cmdConnect, 0x00, atyp)
	req = append(req, addrBytes...)
	req = append(req, byte(dest.Port>>8), byte(dest.Port))

	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("socks5: write connect request: %w", err)
	}

	var head [4]byte
	if _, err := readFull(conn, head[:]); err != nil {
		return fmt.Errorf("socks5: read connect reply header: %w", err)
	}
	if head[0] != version5 {
		return ErrServerVersionMismatch
	}
	if head[1] != 0x00 {
		return fmt.Errorf("%w: reply code 0x%02x", ErrConnectFailed, head[1])
	}

	// Drain the bound-address portion of the reply; its content is
	// unused once CONNECT has succeeded.
	var boundLen int
	switch head[3] {
	case atypIPv4:
		boundLen = 4
	case atypDomain:
		var lenByte [1]byte
		if _, err := readFull(conn, lenByte[:]); err != nil {
			return fmt.Errorf("socks5: read bound domain length: %w", err)
		}
		boundLen = int(lenByte[0])
	case atypIPv6:
		boundLen = 16
	default:
		return fmt.Errorf("socks5: unknown bound address type 0x%02x", head[3])
	}
	if _, err := readFull(conn, make([]byte, boundLen+2)); err != nil {
		return fmt.Errorf("socks5: read bound address: %w", err)
	}

	return nil
}

// toSocks5Address mirrors the VLESS addr type onto the SOCKS5 wire
// encoding: IPv4 (1, four bytes), domain (3, length-prefixed UTF-8),
// IPv6 (4, sixteen bytes).
func toSocks5Address(dest wireaddr.Addr) (atyp byte, value []byte) {
	vAtyp, vValue := dest.AddressBytes()
	switch vAtyp {
	case wireaddr.AtypIPv4:
		return atypIPv4, vValue
	case wireaddr.AtypIPv6:
		return atypIPv6, vValue
	default: // wireaddr.AtypDomain: vValue is already len-prefixed the same way
		return atypDomain, vValue
	}
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
