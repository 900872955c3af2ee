package device

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
)

// BatteryLevelUUID is the GATT Battery Level characteristic (0x2A19).
const BatteryLevelUUID = "2a19"

// ErrorKind classifies a transport failure
type ErrorKind string

const (
	KindTimeout       ErrorKind = "timeout"
	KindConnectFailed ErrorKind = "connect_failed"
	KindProtocol      ErrorKind = "protocol_error"
)

// TransportError represents any classified transport problem
type TransportError struct {
	Kind    ErrorKind
	Address string
	Err     error
}

// Error implements the error interface
func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Address != "" {
		fmt.Fprintf(&b, " (%s)", e.Address)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare TransportError values by Kind
func (e *TransportError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*TransportError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for classified transport failures
var (
	ErrTimeout       = &TransportError{Kind: KindTimeout}
	ErrConnectFailed = &TransportError{Kind: KindConnectFailed}
	ErrProtocol      = &TransportError{Kind: KindProtocol}
)

// NewError wraps err with a classification for address.
func NewError(kind ErrorKind, address string, err error) error {
	return &TransportError{Kind: kind, Address: address, Err: err}
}

// KindOf reports the classification carried by err, if any.
// A bare context deadline counts as a timeout.
func KindOf(err error) (ErrorKind, bool) {
	var terr *TransportError
	if errors.As(err, &terr) {
		return terr.Kind, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, true
	}
	return "", false
}

// Advertisement is one observation made during a discovery window.
type Advertisement struct {
	Address    string
	RSSI       int
	Name       string
	ObservedAt time.Time
}

// Scanner discovers advertisements for a bounded window.
//
// The returned sequence is finite: it ends when the window closes, when ctx
// is cancelled or when the consumer stops ranging. A scan failure is yielded
// once as a non-nil error and ends the sequence.
type Scanner interface {
	Discover(ctx context.Context, window time.Duration) iter.Seq2[Advertisement, error]
}

// BatteryReader connects to a peripheral and reads its battery level.
// The whole operation is bounded by ctx.
type BatteryReader interface {
	ReadBattery(ctx context.Context, address string) (int, error)
}

// Resetter power-cycles the local radio adapter.
type Resetter interface {
	Reset(ctx context.Context) error
}

// NormalizeAddress upper-cases and trims a hardware address.
func NormalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

// SafeAddress strips separators so the address can be used in a topic.
func SafeAddress(address string) string {
	return strings.ReplaceAll(NormalizeAddress(address), ":", "")
}
