package vlessproto

import "fmt"

// ErrKind enumerates the §7 MalformedHeader / AuthFailed error taxonomy
// without requiring a distinct Go type per case (utils.ErrInErr does the
// same: one struct, many string descriptions).
type ErrKind int

const (
	ErrShortHeader     ErrKind = iota // total size < 24
	ErrUnauthenticated                // user id not in the accepted set
	ErrUnknownCommand                 // command not in {1,2}
	ErrUnknownAddrType                // atyp not in {1,2,3}
	ErrEmptyAddress                   // decoded address is empty
	ErrUDPWrongPort                   // cmd=2 (UDP/DoH) on a port other than 53
)

func (k ErrKind) String() string {
	switch k {
	case ErrShortHeader:
		return "header shorter than minimum size"
	case ErrUnauthenticated:
		return "user id not authenticated"
	case ErrUnknownCommand:
		return "unknown command"
	case ErrUnknownAddrType:
		return "unknown address type"
	case ErrEmptyAddress:
		return "empty address"
	case ErrUDPWrongPort:
		return "udp command requested on non-53 port"
	default:
		return "unknown vless protocol error"
	}
}

// HeaderError is the structured MalformedHeader/AuthFailed error returned
// by ParseRequest. Session-level code branches on Kind, never on string
// matching.
type HeaderError struct {
	Kind ErrKind
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("vless: %s", e.Kind)
}

func newErr(k ErrKind) error { return &HeaderError{Kind: k} }

// IsAuthFailed reports whether err is the AuthFailed case, which callers
// must treat as §7 prescribes: abort silently, no dial attempted, no
// information leaked back to the client.
func IsAuthFailed(err error) bool {
	he, ok := err.(*HeaderError)
	return ok && he.Kind == ErrUnauthenticated
}
