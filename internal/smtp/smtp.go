package smtp

import (
	"bytes"
	"context"
	"log"
	"net"
	"sync"

	"github.com/jawr/mxgate/internal/directory"
	"github.com/jawr/mxgate/internal/policy"
	"github.com/jawr/mxgate/internal/store"
	"github.com/pkg/errors"
)

// Server accepts inbound smtp connections and runs each through
// the session state machine, checking senders and recipients
// against the configured directory and policy. Expected to have
// a load balancer in front, i.e. HaProxy
type Server struct {
	config Config

	directory directory.Directory
	stores    map[string]store.Store
	funcs     *policy.Funcs

	// handlers
	queueEnvelopeHandler QueueEnvelopeHandler

	// pools
	bufferPool sync.Pool
}

// NewServer wires a server against its collaborators. funcs is
// the builtin table session policy expressions were compiled
// against; it must reference the same stores.
func NewServer(
	config Config,
	dir directory.Directory,
	stores map[string]store.Store,
	funcs *policy.Funcs,
	queueEnvelopeHandler QueueEnvelopeHandler,
) (*Server, error) {
	if dir == nil {
		return nil, errors.New("no directory configured")
	}
	if queueEnvelopeHandler == nil {
		return nil, errors.New("no queue handler configured")
	}

	server := &Server{
		config:               config.withDefaults(),
		directory:            dir,
		stores:               stores,
		funcs:                funcs,
		queueEnvelopeHandler: queueEnvelopeHandler,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}

	return server, nil
}

// Run listens on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WithMessage(err, "Listen")
	}

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	log.Printf("listening on %s", addr)

	return s.Serve(ctx, l)
}

// Serve accepts connections from l, one goroutine per session.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.WithMessage(err, "Accept")
		}

		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	session, err := s.newSession(conn)
	if err != nil {
		log.Printf("unable to create session: %s", err)
		return
	}

	log.Printf("%s - connect from %s", session, session.remoteIP)

	session.serve(ctx)
}
