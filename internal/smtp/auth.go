package smtp

import (
	"bytes"
	"context"
	"encoding/base64"
	"log"
	"strings"
)

// handleAuth runs a SASL exchange. Every failure, whichever
// factor was wrong, produces the same 535 after the same
// throttle; nothing about the response says which part to fix.
func (s *Session) handleAuth(ctx context.Context, args string) reply {
	if s.state < stateGreeted {
		return replyBadSequence("Send EHLO/HELO first")
	}
	if s.authenticatedAs != "" {
		return replyBadSequence("Already authenticated")
	}
	if s.state > stateGreeted {
		return replyBadSequence("AUTH not permitted during a mail transaction")
	}

	mechanism, initial := parseCommand(args)
	if mechanism == "" {
		return replySyntax("Syntax: AUTH <mechanism>")
	}

	if !s.mechanismOffered(mechanism) {
		return replyf(504, "5.5.4", "Mechanism not supported")
	}

	var identity, secret string
	var rep reply

	switch mechanism {
	case "PLAIN":
		identity, secret, rep = s.authPlain(initial)
	case "LOGIN":
		identity, secret, rep = s.authLogin(initial)
	}

	if !rep.empty() {
		return rep
	}
	if s.state == stateClosed {
		return reply{}
	}

	bctx, cancel := s.backendCtx(ctx)
	principal, err := s.server.directory.QueryByCredentials(bctx, identity, secret)
	cancel()

	if err != nil {
		log.Printf("%s - Auth - directory error: %s", s, err)
		return replyAuthTempFail()
	}

	if principal == nil {
		log.Printf("%s - Auth - failed for '%s'", s, identity)
		s.throttle(ctx)
		return replyAuthFailed()
	}

	s.authenticatedAs = principal.Name

	log.Printf("%s - Auth - authenticated as '%s'", s, principal.Name)

	return replyAuthSuccess()
}

func (s *Session) mechanismOffered(mechanism string) bool {
	for _, m := range s.server.config.AuthMechanisms {
		if strings.EqualFold(m, mechanism) {
			return true
		}
	}
	return false
}

// authPlain decodes the RFC 4616 payload: authzid NUL authcid
// NUL passwd, base64 encoded, either inline or after an empty
// challenge.
func (s *Session) authPlain(initial string) (string, string, reply) {
	payload := initial

	if payload == "" {
		var rep reply
		payload, rep = s.challenge("")
		if !rep.empty() {
			return "", "", rep
		}
	}

	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", "", replySyntax("Invalid base64 response")
	}

	parts := bytes.Split(decoded, []byte{0})
	if len(parts) != 3 || len(parts[1]) == 0 {
		return "", "", replySyntax("Invalid PLAIN response")
	}

	// parts[0] is the authorization identity; acting on behalf
	// of someone else is not supported, so it is ignored
	return string(parts[1]), string(parts[2]), reply{}
}

func (s *Session) authLogin(initial string) (string, string, reply) {
	user := initial

	if user == "" {
		var rep reply
		user, rep = s.challenge("VXNlcm5hbWU6")
		if !rep.empty() {
			return "", "", rep
		}
	}

	pass, rep := s.challenge("UGFzc3dvcmQ6")
	if !rep.empty() {
		return "", "", rep
	}

	identity, err := base64.StdEncoding.DecodeString(user)
	if err != nil {
		return "", "", replySyntax("Invalid base64 response")
	}
	secret, err := base64.StdEncoding.DecodeString(pass)
	if err != nil {
		return "", "", replySyntax("Invalid base64 response")
	}

	return string(identity), string(secret), reply{}
}

// challenge sends a 334 and reads the next line. A "*" response
// aborts the exchange per RFC 4954.
func (s *Session) challenge(message string) (string, reply) {
	if err := s.writeReply(replyf(334, "", "%s", message)); err != nil {
		s.state = stateClosed
		return "", reply{}
	}

	line, err := s.text.ReadLine()
	if err != nil {
		s.state = stateClosed
		return "", reply{}
	}

	line = strings.TrimSpace(line)
	if line == "*" {
		return "", replyf(501, "5.7.0", "Authentication aborted")
	}

	return line, reply{}
}
