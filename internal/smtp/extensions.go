package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/textproto"
	"strings"
	"time"
)

// handleEhlo greets, resets any in-progress transaction and
// recomputes the negotiated extensions. Re-enterable at any
// point of the session.
func (s *Session) handleEhlo(ctx context.Context, domain string, extended bool) reply {
	if domain == "" {
		return replySyntax("Hostname required")
	}

	s.heloDomain = domain
	s.from = ""
	s.recipients = nil
	s.state = stateGreeted

	s.evalSessionParams(ctx)

	greeting := fmt.Sprintf("%s Hello %s [%s]", s.server.config.Hostname, domain, s.remoteIP)

	if !extended {
		return replyLines(250, "", []string{greeting})
	}

	lines := make([]string, 0, len(s.extensions)+1)
	lines = append(lines, greeting)
	lines = append(lines, s.extensions...)

	return replyLines(250, "", lines)
}

// evalSessionParams recomputes the negotiated extensions from
// scratch. Called on connect, on every EHLO/HELO and after a TLS
// upgrade, since policy may key on tls state and remote_ip; a
// recompute never duplicates entries.
func (s *Session) evalSessionParams(ctx context.Context) {
	cfg := &s.server.config

	extensions := []string{"PIPELINING", "ENHANCEDSTATUSCODES", "8BITMIME", "SMTPUTF8"}

	if cfg.MaxMessageSize > 0 {
		extensions = append(extensions, fmt.Sprintf("SIZE %d", cfg.MaxMessageSize))
	}

	if cfg.TLS != nil && !s.tls {
		extensions = append(extensions, "STARTTLS")
	}

	if len(cfg.AuthMechanisms) > 0 {
		extensions = append(extensions, "AUTH "+strings.Join(cfg.AuthMechanisms, " "))
	}

	if s.tls && cfg.RequireTLS != nil {
		bctx, cancel := s.backendCtx(ctx)
		ok, err := cfg.RequireTLS.EvalBool(bctx, s.vars())
		cancel()

		if err != nil {
			// a broken policy never grants; the extension is
			// simply not offered
			log.Printf("%s - requiretls policy: %s", s, err)
		} else if ok {
			extensions = append(extensions, "REQUIRETLS")
		}
	}

	s.extensions = extensions
}

func (s *Session) handleStartTLS(ctx context.Context) reply {
	if s.server.config.TLS == nil {
		return replyNotImplemented()
	}
	if s.tls {
		return replyBadSequence("Already in TLS")
	}

	if err := s.writeReply(replyf(220, "2.0.0", "Ready to start TLS")); err != nil {
		s.state = stateClosed
		return reply{}
	}

	tlsConn := tls.Server(s.conn, s.server.config.TLS)

	s.conn.SetDeadline(time.Now().Add(time.Minute))
	if err := tlsConn.Handshake(); err != nil {
		log.Printf("%s - tls handshake: %s", s, err)
		s.state = stateClosed
		return reply{}
	}
	s.conn.SetDeadline(time.Time{})

	s.conn = tlsConn
	s.text = textproto.NewConn(tlsConn)
	s.tls = true

	// the peer must greet again; parameters are re-evaluated
	// since policy can depend on the TLS state
	s.heloDomain = ""
	s.authenticatedAs = ""
	s.from = ""
	s.recipients = nil
	s.state = stateConnected
	s.evalSessionParams(ctx)

	return reply{}
}
