package smtp

import (
	"crypto/tls"
	"net"
	"time"

	"blitiri.com.ar/go/spf"
	"github.com/jawr/mxgate/internal/policy"
)

// Config carries the already-parsed session policy for one
// listener. Parsing configuration syntax happens in cmd; by the
// time a Config exists every expression is compiled.
type Config struct {
	// Hostname is used in the greeting and EHLO response.
	Hostname string

	// Listener identifies this listener to policy expressions.
	Listener string

	// TLS enables STARTTLS when non-nil.
	TLS *tls.Config

	MaxMessageSize int64
	MaxRecipients  int

	// MaxErrors closes the session once exceeded; slamming the
	// door beats feeding an enumeration loop.
	MaxErrors int

	// ErrorsWait delays rejection responses to throttle probing.
	// Only the offending session waits.
	ErrorsWait time.Duration

	// BackendTimeout bounds every directory, store and DNS call.
	BackendTimeout time.Duration

	// ReadTimeout bounds waiting for the next command line.
	ReadTimeout time.Duration

	// AuthMechanisms lists the offered SASL mechanisms, i.e.
	// PLAIN, LOGIN. Empty disables AUTH.
	AuthMechanisms []string

	EnableVRFY bool
	EnableEXPN bool

	// RequireTLS gates advertising the REQUIRETLS extension. The
	// rule sees the session's variables, so advertisement can
	// depend on remote_ip as well as the TLS state.
	RequireTLS *policy.Rule

	// SenderGate, when set, must evaluate true for MAIL FROM to
	// be accepted.
	SenderGate *policy.Rule

	// CheckSPF rejects senders whose SPF evaluates to Fail.
	CheckSPF bool

	// SPFCheck performs the evaluation when CheckSPF is set.
	// Defaults to spf.CheckHostWithSender.
	SPFCheck func(ip net.IP, helo, sender string) (spf.Result, error)

	// RelayDomains are accepted at RCPT without a directory
	// match. Empty means no relaying.
	RelayDomains []string
}

func (c Config) withDefaults() Config {
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 25 * 1024 * 1024
	}
	if c.MaxRecipients == 0 {
		c.MaxRecipients = 100
	}
	if c.MaxErrors == 0 {
		c.MaxErrors = 10
	}
	if c.BackendTimeout == 0 {
		c.BackendTimeout = time.Second * 15
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = time.Minute * 5
	}
	if c.SPFCheck == nil {
		c.SPFCheck = func(ip net.IP, helo, sender string) (spf.Result, error) {
			return spf.CheckHostWithSender(ip, helo, sender)
		}
	}
	return c
}
