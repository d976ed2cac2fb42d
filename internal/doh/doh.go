// Package doh implements the UDP-over-VLESS to DNS-over-HTTPS adapter:
// splitting length-prefixed DNS datagrams out of the client's byte
// stream, resolving each one against a fixed DoH endpoint, and
// re-framing each reply for the WebSocket. See SPEC_FULL.md §4.4.
//
// Grounded on proxy/vless/vless.go's readudp_withLenthHead for the
// 16-bit length-prefix splitting idiom, and proxy/udp.go's
// UDP_Extractor/UDP_Putter split of "pull a datagram out" vs. "push a
// datagram's response back".
package doh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/edgeproxy/vlessgw/internal/logging"
)

const contentType = "application/dns-message"

// Splitter pulls complete, length-prefixed DNS queries out of a stream
// of arbitrarily-sized byte chunks, holding back any trailing partial
// query until the next Feed.
type Splitter struct {
	pending []byte
}

// Feed appends chunk to the splitter's buffer and returns every DNS
// query payload that is now complete. Any incomplete remainder is held
// for the next call.
func (s *Splitter) Feed(chunk []byte) [][]byte {
	s.pending = append(s.pending, chunk...)

	var queries [][]byte
	for {
		if len(s.pending) < 2 {
			break
		}
		want := int(s.pending[0])<<8 | int(s.pending[1])
		if len(s.pending) < 2+want {
			break
		}
		q := make([]byte, want)
		copy(q, s.pending[2:2+want])
		queries = append(queries, q)
		s.pending = s.pending[2+want:]
	}
	return queries
}

// Resolver issues DNS-over-HTTPS queries against a single fixed URL.
type Resolver struct {
	URL    string
	Client *http.Client
}

// NewResolver returns a Resolver with a bounded per-query timeout.
func NewResolver(url string, timeout time.Duration) *Resolver {
	return &Resolver{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

// Query POSTs the raw DNS wire bytes in payload to the resolver and
// returns the raw DNS wire bytes of the reply.
func (r *Resolver) Query(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("doh: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doh: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("doh: read response: %w", err)
	}
	return body, nil
}

// FrameSink writes re-framed DoH replies to the underlying transport,
// prepending the two-byte VLESS response header exactly once across
// every reply it ever frames.
type FrameSink struct {
	write        func([]byte) error
	headerSent   atomic.Bool
	responseHead [2]byte
}

// NewFrameSink returns a FrameSink that calls write for each framed
// reply, gating the one-shot header prefix internally.
func NewFrameSink(write func([]byte) error, responseHeader [2]byte) *FrameSink {
	return &FrameSink{write: write, responseHead: responseHeader}
}

// Frame re-frames reply with a 16-bit big-endian length prefix,
// prepending the response header if this is the first frame this sink
// has ever sent, and writes the result.
func (s *FrameSink) Frame(reply []byte) error {
	frame := make([]byte, 0, 2+2+len(reply))
	if s.headerSent.CAS(false, true) {
		frame = append(frame, s.responseHead[0], s.responseHead[1])
	}
	frame = append(frame, byte(len(reply)>>8), byte(len(reply)))
	frame = append(frame, reply...)
	return s.write(frame)
}

// DescribeQuery unpacks payload's question section for structured
// logging only; it never alters the bytes that go out over the wire.
// Grounded on SPEC_FULL.md §11's wiring of github.com/miekg/dns for
// log-only decoding.
func DescribeQuery(payload []byte) (name string, qtype string, ok bool) {
	msg := new(dns.Msg)
	if err := msg.Unpack(payload); err != nil || len(msg.Question) == 0 {
		return "", "", false
	}
	q := msg.Question[0]
	return q.Name, dns.TypeToString[q.Qtype], true
}

// LogQueryError is the shared log statement for a failed single query:
// logged and skipped per §4.4 step 5, never killing the session. logPrefix
// is the session's LogPrefix(), attached as a field since this package
// has no per-session logger to derive from.
func LogQueryError(logPrefix string, payload []byte, err error) {
	name, qtype, ok := DescribeQuery(payload)
	if !ok {
		if ce := logging.CanLogWarn("doh query failed"); ce != nil {
			ce.Write(zap.String("session", logPrefix), zap.Error(err))
		}
		return
	}
	if ce := logging.CanLogWarn("doh query failed"); ce != nil {
		ce.Write(zap.String("session", logPrefix), zap.String("name", name), zap.String("qtype", qtype), zap.Error(err))
	}
}
