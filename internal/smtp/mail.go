package smtp

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"log"
	"net"
	"strconv"
	"time"

	"blitiri.com.ar/go/spf"
	"github.com/google/uuid"
	"github.com/jawr/mxgate/internal/policy"
)

func (s *Session) handleMail(ctx context.Context, args string) reply {
	if s.state < stateGreeted {
		return replyBadSequence("Send EHLO/HELO first")
	}

	args, ok := cutCommandPrefix(args, "FROM:")
	if !ok {
		return replySyntax("Syntax: MAIL FROM:<address>")
	}

	from, params, err := parsePath(args)
	if err != nil {
		return replySyntax("Bad sender address")
	}

	if size, ok := params["SIZE"]; ok {
		declared, err := strconv.ParseInt(size, 10, 64)
		if err != nil || declared < 0 {
			return replySyntax("Bad SIZE parameter")
		}
		if declared > s.server.config.MaxMessageSize {
			return replyf(552, "5.2.3", "Message exceeds maximum size")
		}
	}

	// spf check; the null sender (bounces) is exempt
	if s.server.config.CheckSPF && from != "" {
		result, _ := s.server.config.SPFCheck(
			net.ParseIP(s.remoteIP),
			s.heloDomain,
			from,
		)

		if result == spf.Fail {
			log.Printf("%s - Mail - spf fail for '%s' from %s", s, from, s.remoteIP)
			s.throttle(ctx)
			return replyPolicyReject("SPF check failed")
		}
	}

	if gate := s.server.config.SenderGate; gate != nil {
		vars := s.vars()
		vars[policy.VSender] = from
		vars[policy.VSenderDomain] = domainOf(from)

		bctx, cancel := s.backendCtx(ctx)
		ok, err := gate.EvalBool(bctx, vars)
		cancel()

		if err != nil {
			// policy failure denies conservatively, but as a
			// temporary condition
			log.Printf("%s - Mail - sender policy: %s", s, err)
			return replyTempFail()
		}
		if !ok {
			s.throttle(ctx)
			return replyPolicyReject("Sender denied by policy")
		}
	}

	// a fresh MAIL FROM always starts over; any prior recipient
	// set is gone
	s.from = from
	s.recipients = nil
	s.state = stateMail

	log.Printf("%s - Mail - From '%s'", s, from)

	return replyf(250, "2.1.0", "Originator ok")
}

func (s *Session) handleRcpt(ctx context.Context, args string) reply {
	if s.state < stateMail {
		return replyBadSequence("Send MAIL FROM first")
	}

	args, ok := cutCommandPrefix(args, "TO:")
	if !ok {
		return replySyntax("Syntax: RCPT TO:<address>")
	}

	to, _, err := parsePath(args)
	if err != nil || to == "" {
		return replySyntax("Bad recipient address")
	}

	if len(s.recipients) >= s.server.config.MaxRecipients {
		return replyTooManyRecipients()
	}

	bctx, cancel := s.backendCtx(ctx)
	principal, err := s.server.directory.QueryByAddress(bctx, to)
	cancel()

	if err != nil {
		// a flapping backend is never proof the address is bad
		log.Printf("%s - Rcpt - To: '%s' - directory error: %s", s, to, err)
		return replyTempFail()
	}

	domain := domainOf(to)

	if principal == nil {
		if s.isRelayDomain(domain) {
			s.addRecipient(to, domain)
			log.Printf("%s - Rcpt - To: '%s' - relay", s, to)
			return replyf(250, "2.1.5", "Recipient ok")
		}

		bctx, cancel := s.backendCtx(ctx)
		local, derr := s.server.directory.DomainExists(bctx, domain)
		cancel()

		if derr != nil {
			log.Printf("%s - Rcpt - To: '%s' - domains error: %s", s, to, derr)
			return replyTempFail()
		}

		if local {
			log.Printf("%s - Rcpt - To: '%s' - no such user", s, to)
		} else {
			log.Printf("%s - Rcpt - To: '%s' - domain not local", s, to)
		}

		s.throttle(ctx)
		return replyUnknownRecipient()
	}

	// individual or list, both accepted; duplicates are the
	// queue's problem, not ours
	s.addRecipient(to, domain)

	log.Printf("%s - Rcpt - To: '%s' - %s '%s'", s, to, principal.Type, principal.Name)

	return replyf(250, "2.1.5", "Recipient ok")
}

func (s *Session) addRecipient(address, domain string) {
	s.recipients = append(s.recipients, QueuedRecipient{
		Address: address,
		Domain:  domain,
	})
	s.state = stateRcpt
}

func (s *Session) isRelayDomain(domain string) bool {
	for _, d := range s.server.config.RelayDomains {
		if d == domain {
			return true
		}
	}
	return false
}

func (s *Session) handleData(ctx context.Context, args string) reply {
	if args != "" {
		return replySyntax("DATA takes no arguments")
	}
	if s.state != stateRcpt || len(s.recipients) == 0 {
		return replyBadSequence("No valid recipients")
	}

	if err := s.writeReply(replyf(354, "", "End data with <CR><LF>.<CR><LF>")); err != nil {
		s.state = stateClosed
		return reply{}
	}

	start := time.Now()
	max := s.server.config.MaxMessageSize

	buf := s.server.bufferPool.Get().(*bytes.Buffer)
	defer s.server.bufferPool.Put(buf)
	buf.Reset()

	dot := s.text.DotReader()

	n, err := io.Copy(buf, io.LimitReader(dot, max+1))
	if err != nil {
		log.Printf("%s - Data - read: %s", s, err)
		s.state = stateClosed
		return reply{}
	}

	if n > max {
		// drain the rest of the dot-stuffed body so the stream
		// stays in sync, then refuse
		io.Copy(ioutil.Discard, dot)
		s.resetTransaction()
		return replyf(552, "5.2.3", "Message exceeds maximum size")
	}

	id, err := uuid.NewRandom()
	if err != nil {
		s.resetTransaction()
		return replyTempFail()
	}

	env := &Envelope{
		ID:         id,
		From:       s.from,
		Recipients: s.recipients,
		Message:    append([]byte(nil), buf.Bytes()...),
		Received:   time.Now(),
	}

	bctx, cancel := s.backendCtx(ctx)
	err = s.server.queueEnvelopeHandler(bctx, env)
	cancel()

	if err != nil {
		log.Printf("%s - Data - queue: %s", s, err)
		s.resetTransaction()
		return replyTempFail()
	}

	log.Printf("%s - Data - read %d bytes in %s, queued as %s", s, n, time.Since(start), id)

	s.resetTransaction()

	return replyf(250, "2.6.0", "Message queued as %s", id)
}
