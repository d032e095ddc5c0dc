package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/isayme/go-amqp-reconnect/rabbitmq"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jawr/mxgate/internal/directory"
	"github.com/jawr/mxgate/internal/dnsx"
	"github.com/jawr/mxgate/internal/policy"
	"github.com/jawr/mxgate/internal/smtp"
	"github.com/jawr/mxgate/internal/store"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

type StringSliceFlags []string

func (s StringSliceFlags) String() string {
	return strings.Join(s, ",")
}

func (s *StringSliceFlags) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func run() error {
	var addrs, relayDomains StringSliceFlags
	var listener, queue, hostname, dnsServer string
	var requireTLSExpr, senderGateExpr string
	var checkSPF bool

	flag.Var(&addrs, "addr", "Address to listen on, may be repeated")
	flag.StringVar(&listener, "listener", "smtp", "Listener name exposed to policy expressions")
	flag.StringVar(&queue, "queue", "inbound", "Queue accepted envelopes are published to")
	flag.StringVar(&hostname, "hostname", "", "Hostname used in the greeting, defaults to os.Hostname")
	flag.StringVar(&dnsServer, "dns", "1.1.1.1:53", "DNS server for mx lookups, host:port")
	flag.StringVar(&requireTLSExpr, "requiretls", "", "Policy expression gating the REQUIRETLS extension")
	flag.StringVar(&senderGateExpr, "sender-gate", "", "Policy expression evaluated at MAIL FROM")
	flag.BoolVar(&checkSPF, "spf", true, "Check SPF at MAIL FROM")
	flag.Var(&relayDomains, "relay", "Domain accepted without a directory lookup, may be repeated")
	flag.Parse()

	if len(addrs) == 0 {
		addrs = append(addrs, ":25")
	}

	if hostname == "" {
		var err error
		hostname, err = os.Hostname()
		if err != nil {
			return errors.WithMessage(err, "Hostname")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// shutdown on signal
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Println("shutting down")
		cancel()
	}()

	db, err := pgxpool.Connect(ctx, os.Getenv("MXGATE_DATABASE_URL"))
	if err != nil {
		return errors.WithMessage(err, "pgxpool.Connect")
	}
	defer db.Close()

	log.Println("Connected to the Database")

	dir, err := directory.NewSQL(db, directory.DefaultQueries)
	if err != nil {
		return errors.WithMessage(err, "directory.NewSQL")
	}

	// local store for policy keys and counters
	badgerDB, err := badger.Open(badger.DefaultOptions(os.Getenv("MXGATE_BADGER_DIR")))
	if err != nil {
		return errors.WithMessage(err, "badger.Open")
	}
	defer badgerDB.Close()

	stores := map[string]store.Store{
		"local": store.NewBadger(badgerDB),
		"sql":   store.NewSQL(db),
	}

	mxCache := dnsx.NewMXCache(dnsx.NewClient(dnsServer))

	funcs := &policy.Funcs{
		Stores:   stores,
		Queriers: map[string]policy.Querier{"sql": store.NewSQL(db)},
		MX:       mxCache,
	}

	// setup rabbitmq connection
	rabbitConn, err := rabbitmq.Dial(os.Getenv("MXGATE_MQ_URL"))
	if err != nil {
		return errors.WithMessage(err, "rabbitmq.Dial")
	}
	defer rabbitConn.Close()

	publisher, err := createPublisher(rabbitConn, queue)
	if err != nil {
		return errors.WithMessage(err, "createPublisher")
	}
	defer publisher.Close()

	log.Println("Connected to MQ")

	queueEnvelopeHandler, err := smtp.MakeQueueEnvelopeHandler(publisher, queue)
	if err != nil {
		return errors.WithMessage(err, "MakeQueueEnvelopeHandler")
	}

	config := smtp.Config{
		Hostname:     hostname,
		Listener:     listener,
		CheckSPF:     checkSPF,
		RelayDomains: relayDomains,
		EnableVRFY:   true,
		EnableEXPN:   true,
	}

	config.TLS, err = loadTLS()
	if err != nil {
		return errors.WithMessage(err, "loadTLS")
	}

	if config.TLS != nil {
		config.AuthMechanisms = []string{"PLAIN", "LOGIN"}
	}

	config.RequireTLS, err = parseRule(requireTLSExpr, funcs)
	if err != nil {
		return errors.WithMessage(err, "requiretls")
	}

	config.SenderGate, err = parseRule(senderGateExpr, funcs)
	if err != nil {
		return errors.WithMessage(err, "sender-gate")
	}

	server, err := smtp.NewServer(config, dir, stores, funcs, queueEnvelopeHandler)
	if err != nil {
		return errors.WithMessage(err, "NewServer")
	}

	log.Println("Starting SMTP Server")

	eg := &errgroup.Group{}

	for idx := range addrs {
		addr := addrs[idx]
		eg.Go(func() error {
			return server.Run(ctx, addr)
		})
	}

	// reclaim badger value log space alongside
	eg.Go(func() error {
		ticker := time.NewTicker(time.Minute * 10)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				for badgerDB.RunValueLogGC(0.5) == nil {
				}
			}
		}
	})

	if err := eg.Wait(); err != nil {
		log.Printf("ERROR: %s", err)
		return errors.WithMessage(err, "Wait")
	}

	return nil
}

// parseRule compiles a single gating expression into a rule that
// falls through to false.
func parseRule(src string, funcs *policy.Funcs) (*policy.Rule, error) {
	if src == "" {
		return nil, nil
	}

	expr, err := policy.Parse(src, funcs)
	if err != nil {
		return nil, errors.WithMessage(err, "Parse")
	}

	return policy.NewRule(
		policy.Branch{When: expr, Then: true},
		policy.Branch{Then: false},
	), nil
}

func loadTLS() (*tls.Config, error) {
	certFile := os.Getenv("MXGATE_TLS_CERT")
	keyFile := os.Getenv("MXGATE_TLS_KEY")

	if certFile == "" || keyFile == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.WithMessage(err, "LoadX509KeyPair")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func createPublisher(conn *rabbitmq.Connection, queueName string) (*rabbitmq.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.WithMessage(err, "Channel")
	}

	if len(queueName) > 0 {
		_, err = ch.QueueDeclare(
			queueName,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,
		)
		if err != nil {
			return nil, errors.WithMessage(err, "QueueDeclare")
		}
	}

	return ch, nil
}
