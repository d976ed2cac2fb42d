// Package netdial provides the direct (non-SOCKS5) outbound TCP dial
// used by the outbound dispatcher. See SPEC_FULL.md §4.5/§12.
package netdial

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/edgeproxy/vlessgw/internal/wireaddr"
)

// DefaultConnectTimeout is applied when a caller does not override it.
// Not named by spec.md; supplemented per SPEC_FULL.md §12.
const DefaultConnectTimeout = 8 * time.Second

// Dial opens a direct TCP connection to dest, bounding the attempt by
// timeout (DefaultConnectTimeout if zero) and ctx's own deadline,
// whichever is tighter.
func Dial(ctx context.Context, dest wireaddr.Addr, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d := net.Dialer{}
	conn, err := d.DialContext(dialCtx, "tcp", dest.String())
	if err != nil {
		return nil, fmt.Errorf("netdial: dial %s: %w", dest.String(), err)
	}
	return conn, nil
}
