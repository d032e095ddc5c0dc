package smtp

import (
	"fmt"
	"net/textproto"
)

// reply is a protocol response: status code, optional enhanced
// status code, one or more text lines. Remote peers only ever
// see these; internal errors are mapped before they get here.
type reply struct {
	code     int
	enhanced string
	lines    []string
}

func (r reply) empty() bool {
	return r.code == 0
}

func (r reply) permanent() bool {
	return r.code >= 500
}

func (r reply) String() string {
	if len(r.lines) == 0 {
		return fmt.Sprintf("%d", r.code)
	}
	if r.enhanced != "" {
		return fmt.Sprintf("%d %s %s", r.code, r.enhanced, r.lines[0])
	}
	return fmt.Sprintf("%d %s", r.code, r.lines[0])
}

func (r reply) write(text *textproto.Conn) error {
	for i, line := range r.lines {
		if r.enhanced != "" {
			line = r.enhanced + " " + line
		}

		sep := " "
		if i < len(r.lines)-1 {
			sep = "-"
		}

		if err := text.PrintfLine("%d%s%s", r.code, sep, line); err != nil {
			return err
		}
	}

	return nil
}

func replyLines(code int, enhanced string, lines []string) reply {
	return reply{code: code, enhanced: enhanced, lines: lines}
}

func replyf(code int, enhanced, format string, args ...interface{}) reply {
	return reply{
		code:     code,
		enhanced: enhanced,
		lines:    []string{fmt.Sprintf(format, args...)},
	}
}

func replyReady(hostname string) reply {
	return replyf(220, "", "%s ESMTP service ready", hostname)
}

func replyBye() reply {
	return replyf(221, "2.0.0", "Bye")
}

func replyOK(message string) reply {
	return replyf(250, "2.0.0", "%s", message)
}

func replyBadSequence(message string) reply {
	return replyf(503, "5.5.1", "%s", message)
}

func replySyntax(message string) reply {
	return replyf(501, "5.5.2", "%s", message)
}

func replyUnknownCommand() reply {
	return replyf(500, "5.5.2", "Command not recognized")
}

func replyNotImplemented() reply {
	return replyf(502, "5.5.1", "Command not implemented")
}

// replyUnknownRecipient covers both an unknown user in a local
// domain and a domain this server does not host; handing out the
// difference would aid enumeration.
func replyUnknownRecipient() reply {
	return replyf(550, "5.1.2", "Recipient unknown")
}

func replyTempFail() reply {
	return replyf(451, "4.3.0", "Temporary server error, try again later")
}

func replyPolicyReject(message string) reply {
	return replyf(550, "5.7.1", "%s", message)
}

func replyTooManyRecipients() reply {
	return replyf(452, "4.5.3", "Too many recipients")
}

func replyTooManyErrors() reply {
	return replyf(421, "4.3.0", "Too many errors, closing connection")
}

func replyAuthSuccess() reply {
	return replyf(235, "2.7.0", "Authentication succeeded")
}

// replyAuthFailed is the single response for every failed
// credential, whichever factor was wrong.
func replyAuthFailed() reply {
	return replyf(535, "5.7.8", "Authentication credentials invalid")
}

func replyAuthTempFail() reply {
	return replyf(454, "4.7.0", "Temporary authentication failure")
}
