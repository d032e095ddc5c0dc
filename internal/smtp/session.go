package smtp

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jawr/mxgate/internal/policy"
	"github.com/pkg/errors"
)

type sessionState int

const (
	stateConnected sessionState = iota
	stateGreeted
	stateMail
	stateRcpt
	stateClosed
)

// Session holds per-connection protocol state. It is owned by
// exactly one goroutine for its whole life; only the backends
// behind the server are shared.
type Session struct {
	start time.Time

	ID uuid.UUID

	// references server
	server *Server

	conn net.Conn
	text *textproto.Conn

	// connection meta data, fixed at accept
	remoteIP string
	localIP  string

	// session parameters
	tls             bool
	heloDomain      string
	authenticatedAs string
	extensions      []string
	state           sessionState
	errorCount      int

	// current transaction
	from       string
	recipients []QueuedRecipient
}

func (s *Server) newSession(conn net.Conn) (*Session, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}

	session := &Session{
		ID:     id,
		start:  time.Now(),
		server: s,
		conn:   conn,
		text:   textproto.NewConn(conn),
	}

	session.remoteIP = ipOf(conn.RemoteAddr())
	session.localIP = ipOf(conn.LocalAddr())

	return session, nil
}

func ipOf(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}

	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (s *Session) String() string {
	return fmt.Sprintf("is-%s", s.ID)
}

func (s *Session) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// negotiated extensions exist from the moment we greet
	s.evalSessionParams(ctx)

	if err := s.writeReply(replyReady(s.server.config.Hostname)); err != nil {
		return
	}

	for s.state != stateClosed {
		if t := s.server.config.ReadTimeout; t > 0 {
			s.conn.SetReadDeadline(time.Now().Add(t))
		}

		line, err := s.text.ReadLine()
		if err != nil {
			log.Printf("%s - read: %s", s, err)
			break
		}

		if err := s.handleLine(ctx, line); err != nil {
			log.Printf("%s - write: %s", s, err)
			break
		}
	}

	log.Printf("%s - closed after %s", s, time.Since(s.start))
}

func (s *Session) handleLine(ctx context.Context, line string) error {
	verb, args := parseCommand(line)

	var rep reply

	switch verb {
	case "EHLO":
		rep = s.handleEhlo(ctx, args, true)
	case "HELO":
		rep = s.handleEhlo(ctx, args, false)
	case "MAIL":
		rep = s.handleMail(ctx, args)
	case "RCPT":
		rep = s.handleRcpt(ctx, args)
	case "DATA":
		rep = s.handleData(ctx, args)
	case "VRFY":
		rep = s.handleVrfy(ctx, args)
	case "EXPN":
		rep = s.handleExpn(ctx, args)
	case "AUTH":
		rep = s.handleAuth(ctx, args)
	case "STARTTLS":
		rep = s.handleStartTLS(ctx)
	case "RSET":
		s.resetTransaction()
		rep = replyOK("Ok")
	case "NOOP":
		rep = replyOK("Ok")
	case "HELP":
		rep = replyf(214, "2.0.0", "Commands: EHLO HELO MAIL RCPT DATA AUTH VRFY EXPN RSET NOOP QUIT")
	case "QUIT":
		s.state = stateClosed
		return s.writeReply(replyBye())
	default:
		rep = replyUnknownCommand()
	}

	if rep.empty() {
		// handler did its own writing (DATA, STARTTLS, or an
		// aborted exchange)
		return nil
	}

	if rep.permanent() {
		s.errorCount++
		if s.errorCount > s.server.config.MaxErrors {
			s.state = stateClosed
			return s.writeReply(replyTooManyErrors())
		}
	}

	return s.writeReply(rep)
}

func (s *Session) writeReply(rep reply) error {
	log.Printf("%s - reply - %s", s, rep)
	return rep.write(s.text)
}

func (s *Session) resetTransaction() {
	s.from = ""
	s.recipients = nil
	if s.state > stateGreeted {
		s.state = stateGreeted
	}
}

// throttle sleeps before a rejection is sent, slowing down
// enumeration probes. Only this session's goroutine waits.
func (s *Session) throttle(ctx context.Context) {
	wait := s.server.config.ErrorsWait
	if wait <= 0 {
		return
	}

	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

// backendCtx bounds a single external call. A hung backend must
// become a 4xx, never a stuck session.
func (s *Session) backendCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.server.config.BackendTimeout)
}

// vars snapshots the session for policy evaluation.
func (s *Session) vars() policy.Variables {
	return policy.Variables{
		policy.VSender:          s.from,
		policy.VSenderDomain:    domainOf(s.from),
		policy.VHeloDomain:      s.heloDomain,
		policy.VAuthenticatedAs: s.authenticatedAs,
		policy.VListener:        s.server.config.Listener,
		policy.VRemoteIP:        s.remoteIP,
		policy.VLocalIP:         s.localIP,
		policy.VPriority:        int64(0),
	}
}

func parseCommand(line string) (string, string) {
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return strings.ToUpper(line[:i]), strings.TrimSpace(line[i+1:])
	}
	return strings.ToUpper(line), ""
}

// parsePath extracts the address from a MAIL FROM / RCPT TO
// argument, i.e. "<jane@foobar.org> SIZE=1024". The null path
// "<>" yields an empty address.
func parsePath(args string) (string, map[string]string, error) {
	args = strings.TrimSpace(args)

	var addr, rest string

	if strings.HasPrefix(args, "<") {
		end := strings.IndexByte(args, '>')
		if end < 0 {
			return "", nil, errors.Errorf("unbalanced path: '%s'", args)
		}
		addr = args[1:end]
		rest = args[end+1:]
	} else if i := strings.IndexByte(args, ' '); i >= 0 {
		addr = args[:i]
		rest = args[i:]
	} else {
		addr = args
	}

	params := make(map[string]string)
	for _, field := range strings.Fields(rest) {
		if i := strings.IndexByte(field, '='); i >= 0 {
			params[strings.ToUpper(field[:i])] = field[i+1:]
		} else {
			params[strings.ToUpper(field)] = ""
		}
	}

	if addr != "" && !strings.Contains(addr, "@") {
		return "", nil, errors.Errorf("bad address: '%s'", addr)
	}

	return strings.ToLower(addr), params, nil
}

func domainOf(address string) string {
	if i := strings.LastIndexByte(address, '@'); i >= 0 {
		return address[i+1:]
	}
	return ""
}

// cutCommandPrefix strips a case-insensitive prefix such as
// "FROM:" or "TO:".
func cutCommandPrefix(args, prefix string) (string, bool) {
	if len(args) < len(prefix) {
		return "", false
	}
	if !strings.EqualFold(args[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(args[len(prefix):]), true
}
