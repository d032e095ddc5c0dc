package smtp

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"blitiri.com.ar/go/spf"
	"github.com/jawr/mxgate/internal/directory"
	"github.com/jawr/mxgate/internal/policy"
	"github.com/jawr/mxgate/internal/store"
)

func testDirectory() *directory.Memory {
	dir := directory.NewMemory()

	dir.Add(&directory.Principal{Name: "foobar.org", Type: directory.TypeDomain})
	dir.Add(&directory.Principal{Name: "foobar.net", Type: directory.TypeDomain})

	dir.Add(&directory.Principal{
		Name:   "jane",
		Type:   directory.TypeIndividual,
		Secret: "s3cr3tp4ss",
		Emails: []string{"jane@foobar.org"},
	})
	dir.Add(&directory.Principal{
		Name:   "john",
		Type:   directory.TypeIndividual,
		Secret: "mypassword",
		Emails: []string{"john@foobar.org"},
	})
	dir.Add(&directory.Principal{
		Name:   "bill",
		Type:   directory.TypeIndividual,
		Secret: "123456",
		Emails: []string{"bill@foobar.org"},
	})
	dir.Add(&directory.Principal{
		Name:   "mike",
		Type:   directory.TypeIndividual,
		Secret: "098765",
		Emails: []string{"mike@foobar.net"},
	})

	dir.Add(&directory.Principal{
		Name:    "sales@foobar.org",
		Type:    directory.TypeList,
		Emails:  []string{"sales@foobar.org"},
		Members: []string{"jane@foobar.org", "john@foobar.org", "bill@foobar.org"},
	})
	dir.Add(&directory.Principal{
		Name:    "support@foobar.org",
		Type:    directory.TypeList,
		Emails:  []string{"support@foobar.org"},
		Members: []string{"mike@foobar.net"},
	})

	return dir
}

type testHarness struct {
	server    *Server
	kv        *store.Memory
	envelopes chan *Envelope
	addr      string
}

func newTestHarness(t *testing.T, mutate func(*Config)) *testHarness {
	t.Helper()

	kv := store.NewMemory()

	funcs := &policy.Funcs{
		Stores: map[string]store.Store{"local": kv},
	}

	allow, err := policy.Parse("key_exists('local', 'allow:' + remote_ip)", funcs)
	if err != nil {
		t.Fatal(err)
	}

	config := Config{
		Hostname:       "mx.test.org",
		Listener:       "smtp",
		AuthMechanisms: []string{"PLAIN", "LOGIN"},
		EnableVRFY:     true,
		EnableEXPN:     true,
		ErrorsWait:     time.Millisecond,
		MaxErrors:      50,
		RequireTLS: policy.NewRule(
			policy.Branch{When: allow, Then: true},
			policy.Branch{Then: false},
		),
	}
	if mutate != nil {
		mutate(&config)
	}

	envelopes := make(chan *Envelope, 16)
	queueHandler := func(ctx context.Context, env *Envelope) error {
		envelopes <- env
		return nil
	}

	server, err := NewServer(config, testDirectory(), funcs.Stores, funcs, queueHandler)
	if err != nil {
		t.Fatal(err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go server.Serve(ctx, l)

	return &testHarness{
		server:    server,
		kv:        kv,
		envelopes: envelopes,
		addr:      l.Addr().String(),
	}
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func (h *testHarness) dial(t *testing.T) *testClient {
	t.Helper()

	conn, err := net.DialTimeout("tcp", h.addr, time.Second*5)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(time.Second * 10))

	c := &testClient{
		t:      t,
		conn:   conn,
		reader: bufio.NewReader(conn),
	}

	c.expect("220")

	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		c.t.Fatalf("send %q: %s", line, err)
	}
}

// expect reads one full (possibly multiline) response and checks
// its status prefix, i.e. "250" or "550 5.1.2".
func (c *testClient) expect(prefix string) string {
	c.t.Helper()

	var b strings.Builder
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			c.t.Fatalf("read: %s", err)
		}
		b.WriteString(line)

		line = strings.TrimRight(line, "\r\n")
		if len(line) >= 4 && line[3] == '-' {
			continue
		}
		break
	}

	response := b.String()
	first := strings.SplitN(response, "\r\n", 2)[0]
	if !strings.HasPrefix(first, prefix) {
		c.t.Fatalf("expected %q, got %q", prefix, response)
	}

	return response
}

func (c *testClient) cmd(line, prefix string) string {
	c.t.Helper()
	c.send(line)
	return c.expect(prefix)
}

// startTLS upgrades the client side of the connection after the
// server has agreed.
func (c *testClient) startTLS() {
	c.t.Helper()

	c.cmd("STARTTLS", "220")

	tlsConn := tls.Client(c.conn, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		c.t.Fatalf("client handshake: %s", err)
	}
	tlsConn.SetDeadline(time.Now().Add(time.Second * 10))

	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
}

// testTLSConfig builds a throwaway self-signed server cert.
func testTLSConfig(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mx.test.org"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"mx.test.org"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		}},
	}
}

func TestSessionRcpt(t *testing.T) {
	h := newTestHarness(t, nil)
	c := h.dial(t)

	c.cmd("EHLO mx1.example.net", "250")
	c.cmd("MAIL FROM:<john@example.net>", "250")

	// external domain, no directory entry
	c.cmd("RCPT TO:<user@otherdomain.org>", "550 5.1.2")

	// local domain, non-existent user
	c.cmd("RCPT TO:<jack@foobar.org>", "550 5.1.2")

	// valid users
	c.cmd("RCPT TO:<jane@foobar.org>", "250")
	c.cmd("RCPT TO:<john@foobar.org>", "250")
	c.cmd("RCPT TO:<bill@foobar.org>", "250")

	// duplicates are allowed, dedup belongs to the queue
	c.cmd("RCPT TO:<jane@foobar.org>", "250")

	// lists are valid recipients
	c.cmd("RCPT TO:<sales@foobar.org>", "250")
}

func TestSessionSequenceErrors(t *testing.T) {
	h := newTestHarness(t, nil)
	c := h.dial(t)

	c.cmd("MAIL FROM:<a@b.org>", "503 5.5.1")
	c.cmd("EHLO mx1.example.net", "250")
	c.cmd("RCPT TO:<jane@foobar.org>", "503 5.5.1")
	c.cmd("DATA", "503 5.5.1")
	c.cmd("BOGUS", "500 5.5.2")
}

func TestSessionData(t *testing.T) {
	h := newTestHarness(t, nil)
	c := h.dial(t)

	c.cmd("EHLO mx1.example.net", "250")
	c.cmd("MAIL FROM:<john@example.net>", "250")
	c.cmd("RCPT TO:<jane@foobar.org>", "250")
	c.cmd("RCPT TO:<mike@foobar.net>", "250")
	c.cmd("DATA", "354")
	c.send("Subject: hello")
	c.send("")
	c.send("body line")
	c.cmd(".", "250")

	select {
	case env := <-h.envelopes:
		if env.From != "john@example.net" {
			t.Fatalf("from = %q", env.From)
		}
		if len(env.Recipients) != 2 {
			t.Fatalf("recipients = %v", env.Recipients)
		}
		if env.Recipients[0].Domain != "foobar.org" || env.Recipients[1].Domain != "foobar.net" {
			t.Fatalf("recipient domains = %v", env.Recipients)
		}
		if !strings.Contains(string(env.Message), "body line") {
			t.Fatalf("message = %q", env.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("no envelope queued")
	}

	// transaction is done, the next one starts clean
	c.cmd("DATA", "503 5.5.1")
}

func TestSessionRsetClearsRecipients(t *testing.T) {
	h := newTestHarness(t, nil)
	c := h.dial(t)

	c.cmd("EHLO mx1.example.net", "250")
	c.cmd("MAIL FROM:<john@example.net>", "250")
	c.cmd("RCPT TO:<jane@foobar.org>", "250")
	c.cmd("RSET", "250")
	c.cmd("DATA", "503 5.5.1")

	// a fresh MAIL FROM also clears the recipient set
	c.cmd("MAIL FROM:<john@example.net>", "250")
	c.cmd("RCPT TO:<jane@foobar.org>", "250")
	c.cmd("MAIL FROM:<other@example.net>", "250")
	c.cmd("DATA", "503 5.5.1")
}

func TestSessionExpn(t *testing.T) {
	h := newTestHarness(t, nil)
	c := h.dial(t)

	c.cmd("EHLO mx1.example.net", "250")

	response := c.cmd("EXPN sales@foobar.org", "250")
	for _, member := range []string{"jane@foobar.org", "john@foobar.org", "bill@foobar.org"} {
		if !strings.Contains(response, member) {
			t.Fatalf("expected %s in %q", member, response)
		}
	}

	response = c.cmd("EXPN support@foobar.org", "250")
	if !strings.Contains(response, "mike@foobar.net") {
		t.Fatalf("expected mike@foobar.net in %q", response)
	}

	c.cmd("EXPN marketing@foobar.org", "550 5.1.2")

	// individuals are not lists
	c.cmd("EXPN jane@foobar.org", "550 5.1.2")
}

func TestSessionExpnDisabled(t *testing.T) {
	h := newTestHarness(t, func(c *Config) {
		c.EnableEXPN = false
	})
	c := h.dial(t)

	c.cmd("EHLO mx1.example.net", "250")
	c.cmd("EXPN sales@foobar.org", "252")
}

func TestSessionVrfy(t *testing.T) {
	h := newTestHarness(t, nil)
	c := h.dial(t)

	c.cmd("EHLO mx1.example.net", "250")

	response := c.cmd("VRFY john", "250")
	if !strings.Contains(response, "john@foobar.org") {
		t.Fatalf("expected john@foobar.org in %q", response)
	}

	response = c.cmd("VRFY jane", "250")
	if !strings.Contains(response, "jane@foobar.org") {
		t.Fatalf("expected jane@foobar.org in %q", response)
	}

	c.cmd("VRFY tim", "550 5.1.2")
}

func TestSessionVrfyDisabled(t *testing.T) {
	h := newTestHarness(t, func(c *Config) {
		c.EnableVRFY = false
	})
	c := h.dial(t)

	c.cmd("EHLO mx1.example.net", "250")
	c.cmd("VRFY john", "252")
}

func authPlain(identity, secret string) string {
	payload := "\x00" + identity + "\x00" + secret
	return base64.StdEncoding.EncodeToString([]byte(payload))
}

func TestSessionAuthPlain(t *testing.T) {
	h := newTestHarness(t, nil)
	c := h.dial(t)

	c.cmd("EHLO mx1.example.net", "250")

	// wrong password
	c.cmd("AUTH PLAIN "+authPlain("jane", "wrongpass"), "535 5.7.8")

	// unknown user, same response
	c.cmd("AUTH PLAIN "+authPlain("nosuchuser", "s3cr3tp4ss"), "535 5.7.8")

	// correct credentials
	c.cmd("AUTH PLAIN "+authPlain("jane", "s3cr3tp4ss"), "235 2.7.0")

	// second auth is a sequence error
	c.cmd("AUTH PLAIN "+authPlain("jane", "s3cr3tp4ss"), "503 5.5.1")
}

func TestSessionAuthLogin(t *testing.T) {
	h := newTestHarness(t, nil)
	c := h.dial(t)

	c.cmd("EHLO mx1.example.net", "250")

	c.cmd("AUTH LOGIN", "334")
	c.cmd(base64.StdEncoding.EncodeToString([]byte("john")), "334")
	c.cmd(base64.StdEncoding.EncodeToString([]byte("mypassword")), "235 2.7.0")
}

func TestSessionAuthMechanismNotOffered(t *testing.T) {
	h := newTestHarness(t, func(c *Config) {
		c.AuthMechanisms = []string{"PLAIN"}
	})
	c := h.dial(t)

	c.cmd("EHLO mx1.example.net", "250")
	c.cmd("AUTH LOGIN", "504 5.5.4")
}

func TestSessionEhloExtensions(t *testing.T) {
	h := newTestHarness(t, nil)
	c := h.dial(t)

	response := c.cmd("EHLO mx1.example.net", "250")
	for _, ext := range []string{"PIPELINING", "8BITMIME", "AUTH PLAIN LOGIN"} {
		if !strings.Contains(response, ext) {
			t.Fatalf("expected %s in %q", ext, response)
		}
	}

	// no TLS in this session, so REQUIRETLS is never offered
	if strings.Contains(response, "REQUIRETLS") {
		t.Fatalf("unexpected REQUIRETLS in %q", response)
	}

	// re-running EHLO recomputes without duplicating anything
	response = c.cmd("EHLO mx2.example.net", "250")
	if got := strings.Count(response, "PIPELINING"); got != 1 {
		t.Fatalf("PIPELINING advertised %d times", got)
	}
}

func TestEvalSessionParamsRequireTLS(t *testing.T) {
	h := newTestHarness(t, nil)
	ctx := context.Background()

	if err := h.kv.Set(ctx, "allow:10.0.0.50", "1"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		remoteIP string
		tls      bool
		expect   bool
	}{
		{"10.0.0.50", true, true},
		// same ip without tls
		{"10.0.0.50", false, false},
		// different ip with tls
		{"10.0.0.1", true, false},
	}

	for _, tc := range tests {
		session := &Session{
			server:   h.server,
			remoteIP: tc.remoteIP,
			tls:      tc.tls,
		}
		session.evalSessionParams(ctx)

		got := false
		for _, ext := range session.extensions {
			if ext == "REQUIRETLS" {
				got = true
			}
		}

		if got != tc.expect {
			t.Fatalf("remote_ip=%s tls=%v: REQUIRETLS=%v, want %v",
				tc.remoteIP, tc.tls, got, tc.expect)
		}
	}
}

func TestSessionRejectDelay(t *testing.T) {
	h := newTestHarness(t, func(c *Config) {
		c.ErrorsWait = time.Millisecond * 50
	})
	c := h.dial(t)

	c.cmd("EHLO mx1.example.net", "250")
	c.cmd("MAIL FROM:<john@example.net>", "250")

	start := time.Now()
	c.cmd("RCPT TO:<jack@foobar.org>", "550 5.1.2")
	if elapsed := time.Since(start); elapsed < time.Millisecond*50 {
		t.Fatalf("rejection answered in %s, want >= 50ms", elapsed)
	}

	// accepted recipients are not throttled
	start = time.Now()
	c.cmd("RCPT TO:<jane@foobar.org>", "250")
	if elapsed := time.Since(start); elapsed > time.Millisecond*45 {
		t.Fatalf("accept took %s, should not be throttled", elapsed)
	}
}

func TestSessionRelayDomain(t *testing.T) {
	h := newTestHarness(t, func(c *Config) {
		c.RelayDomains = []string{"relay.example.net"}
	})
	c := h.dial(t)

	c.cmd("EHLO mx1.example.net", "250")
	c.cmd("MAIL FROM:<john@example.net>", "250")
	c.cmd("RCPT TO:<anyone@relay.example.net>", "250")
	c.cmd("RCPT TO:<anyone@not-relayed.example.net>", "550 5.1.2")
}

func TestSessionSPFFail(t *testing.T) {
	h := newTestHarness(t, func(c *Config) {
		c.CheckSPF = true
		c.SPFCheck = func(ip net.IP, helo, sender string) (spf.Result, error) {
			if strings.HasSuffix(sender, "@forged.example.net") {
				return spf.Fail, nil
			}
			return spf.Pass, nil
		}
	})
	c := h.dial(t)

	c.cmd("EHLO mx1.example.net", "250")

	c.cmd("MAIL FROM:<evil@forged.example.net>", "550 5.7.1")

	// the null sender carries bounces and is exempt
	c.cmd("MAIL FROM:<>", "250")

	c.cmd("MAIL FROM:<john@example.net>", "250")
	c.cmd("RCPT TO:<jane@foobar.org>", "250")
}

func TestSessionStartTLSRequireTLS(t *testing.T) {
	h := newTestHarness(t, func(c *Config) {
		c.TLS = testTLSConfig(t)
	})

	// the requiretls rule grants per remote ip
	if err := h.kv.Set(context.Background(), "allow:127.0.0.1", "1"); err != nil {
		t.Fatal(err)
	}

	c := h.dial(t)

	response := c.cmd("EHLO mx1.example.net", "250")
	if !strings.Contains(response, "STARTTLS") {
		t.Fatalf("expected STARTTLS in %q", response)
	}
	if strings.Contains(response, "REQUIRETLS") {
		t.Fatalf("REQUIRETLS offered over plaintext: %q", response)
	}

	c.startTLS()

	// the upgrade dropped everything, including the greeting
	c.cmd("MAIL FROM:<john@example.net>", "503 5.5.1")

	response = c.cmd("EHLO mx1.example.net", "250")
	if !strings.Contains(response, "REQUIRETLS") {
		t.Fatalf("expected REQUIRETLS after upgrade: %q", response)
	}
	if strings.Contains(response, "STARTTLS") {
		t.Fatalf("STARTTLS still offered after upgrade: %q", response)
	}

	c.cmd("MAIL FROM:<john@example.net>", "250")
	c.cmd("RCPT TO:<jane@foobar.org>", "250")
}

func TestSessionQuit(t *testing.T) {
	h := newTestHarness(t, nil)
	c := h.dial(t)

	c.cmd("QUIT", "221")

	if _, err := c.reader.ReadString('\n'); err == nil {
		t.Fatal("expected connection to close after QUIT")
	}
}

func TestSessionHelo(t *testing.T) {
	h := newTestHarness(t, nil)
	c := h.dial(t)

	response := c.cmd("HELO mx1.example.net", "250")
	if strings.Contains(response, "PIPELINING") {
		t.Fatalf("HELO must not advertise extensions: %q", response)
	}

	c.cmd("MAIL FROM:<john@example.net>", "250")
	c.cmd("RCPT TO:<jane@foobar.org>", "250")
}

func TestSessionMaxRecipients(t *testing.T) {
	h := newTestHarness(t, func(c *Config) {
		c.MaxRecipients = 2
	})
	c := h.dial(t)

	c.cmd("EHLO mx1.example.net", "250")
	c.cmd("MAIL FROM:<john@example.net>", "250")
	c.cmd("RCPT TO:<jane@foobar.org>", "250")
	c.cmd("RCPT TO:<john@foobar.org>", "250")
	c.cmd("RCPT TO:<bill@foobar.org>", "452 4.5.3")
}

func TestSessionUnavailableDirectory(t *testing.T) {
	h := newTestHarness(t, nil)

	// swap in a directory that always fails
	h.server.directory = failingDirectory{}

	c := h.dial(t)
	c.cmd("EHLO mx1.example.net", "250")
	c.cmd("MAIL FROM:<john@example.net>", "250")

	// a broken backend must be a 4xx, never a permanent reject
	c.cmd("RCPT TO:<jane@foobar.org>", "451 4.3.0")
	c.cmd("VRFY john", "451 4.3.0")
	c.cmd("EXPN sales@foobar.org", "451 4.3.0")
	c.cmd("AUTH PLAIN "+authPlain("jane", "s3cr3tp4ss"), "454 4.7.0")
}

type failingDirectory struct{}

func (failingDirectory) QueryByName(ctx context.Context, name string) (*directory.Principal, error) {
	return nil, directory.ErrUnavailable
}

func (failingDirectory) QueryByCredentials(ctx context.Context, identity, secret string) (*directory.Principal, error) {
	return nil, directory.ErrUnavailable
}

func (failingDirectory) QueryByAddress(ctx context.Context, address string) (*directory.Principal, error) {
	return nil, directory.ErrUnavailable
}

func (failingDirectory) Search(ctx context.Context, fragment string) ([]string, error) {
	return nil, directory.ErrUnavailable
}

func (failingDirectory) Expand(ctx context.Context, address string) ([]string, error) {
	return nil, directory.ErrUnavailable
}

func (failingDirectory) DomainExists(ctx context.Context, domain string) (bool, error) {
	return false, directory.ErrUnavailable
}
