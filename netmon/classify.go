// Package netmon classifies transport failures and watches the network path
// for changes that call for a transport rebuild.
package netmon

import (
	"context"
	"errors"
	"strings"
	"time"
)

type Kind int

const (
	Generic Kind = iota
	TLS
	Reset
	Auth
	Network
)

func (k Kind) String() string {
	switch k {
	case TLS:
		return "tls"
	case Reset:
		return "reset"
	case Auth:
		return "auth"
	case Network:
		return "network"
	}
	return "generic"
}

// ErrAuth marks a failure that retrying cannot fix.
var ErrAuth = errors.New("authentication failed")

var rules = []struct {
	kind Kind
	subs []string
}{
	{TLS, []string{"bad record mac", "ssl", "tls"}},
	{Reset, []string{"connection reset", "broken pipe"}},
	{Auth, []string{"keychain", "authentication", "401", "unauthorized"}},
	{Network, []string{"network", "timeout"}},
}

func Classify(err error) Kind {
	if err == nil {
		return Generic
	}
	if errors.Is(err, ErrAuth) {
		return Auth
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Network
	}
	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		for _, s := range r.subs {
			if strings.Contains(msg, s) {
				return r.kind
			}
		}
	}
	return Generic
}

func Retryable(k Kind) bool { return k != Auth }

// Counted reports whether failures of kind k count toward a rebuild.
func Counted(k Kind) bool {
	return k == Network || k == TLS || k == Reset
}

// RetryDelay is the extra pause before retry number attempt (1-based) after
// a failure of kind k.
func RetryDelay(k Kind, attempt int) time.Duration {
	switch k {
	case TLS:
		return 500 * time.Millisecond
	case Reset:
		return time.Duration(min(2*attempt, 10)) * time.Second
	case Network:
		return 2 * time.Second
	case Auth:
		return 0
	}
	return time.Second
}

// Backoff doubles from Initial up to Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before retry n, counting from zero.
func (b Backoff) Delay(n int) time.Duration {
	d := b.Initial
	for range n {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return min(d, b.Max)
}
