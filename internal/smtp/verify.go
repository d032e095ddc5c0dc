package smtp

import (
	"context"
	"log"
)

func (s *Session) handleVrfy(ctx context.Context, name string) reply {
	if s.state < stateGreeted {
		return replyBadSequence("Send EHLO/HELO first")
	}
	if !s.server.config.EnableVRFY {
		return replyf(252, "2.0.0", "VRFY not offered")
	}
	if name == "" {
		return replySyntax("Syntax: VRFY <name>")
	}

	bctx, cancel := s.backendCtx(ctx)
	addresses, err := s.server.directory.Search(bctx, name)
	cancel()

	if err != nil {
		log.Printf("%s - Vrfy - '%s' - directory error: %s", s, name, err)
		return replyTempFail()
	}

	if len(addresses) == 0 {
		s.throttle(ctx)
		return replyf(550, "5.1.2", "Address not found")
	}

	log.Printf("%s - Vrfy - '%s' - %d match(es)", s, name, len(addresses))

	return replyLines(250, "", addresses)
}

func (s *Session) handleExpn(ctx context.Context, address string) reply {
	if s.state < stateGreeted {
		return replyBadSequence("Send EHLO/HELO first")
	}
	if !s.server.config.EnableEXPN {
		return replyf(252, "2.0.0", "EXPN not offered")
	}
	if address == "" {
		return replySyntax("Syntax: EXPN <address>")
	}

	bctx, cancel := s.backendCtx(ctx)
	members, err := s.server.directory.Expand(bctx, address)
	cancel()

	if err != nil {
		log.Printf("%s - Expn - '%s' - directory error: %s", s, address, err)
		return replyTempFail()
	}

	if len(members) == 0 {
		// unknown address, or not a mailing list; same answer
		s.throttle(ctx)
		return replyf(550, "5.1.2", "Mailing list not found")
	}

	log.Printf("%s - Expn - '%s' - %d member(s)", s, address, len(members))

	return replyLines(250, "", members)
}
