package transport

import (
	"errors"
	"fmt"

	ma "github.com/multiformats/go-multiaddr"
)

// ErrNoTransport is returned when no candidate handles an address scheme.
var ErrNoTransport = errors.New("no transport for address")

// AddressParseError reports a malformed multiaddress supplied by the operator.
type AddressParseError struct {
	Input string
	Err   error
}

func (e *AddressParseError) Error() string {
	return fmt.Sprintf("invalid multiaddress %q: %v", e.Input, e.Err)
}

func (e *AddressParseError) Unwrap() error { return e.Err }

// DialError reports a failed or unroutable dial.
type DialError struct {
	Addr ma.Multiaddr
	Kind Kind
	Err  error
}

func (e *DialError) Error() string {
	if errors.Is(e.Err, ErrNoTransport) {
		return fmt.Sprintf("dial %s: %v", e.Addr, e.Err)
	}
	return fmt.Sprintf("dial %s via %s: %v", e.Addr, e.Kind, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// ParseAddr parses a user supplied multiaddress string.
func ParseAddr(s string) (ma.Multiaddr, error) {
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		return nil, &AddressParseError{Input: s, Err: err}
	}
	return addr, nil
}
