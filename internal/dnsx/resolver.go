package dnsx

import (
	"context"
	"sort"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// MX is a single mail-exchange record.
type MX struct {
	Host string
	Pref uint16
}

// Resolver answers MX queries. Implementations return the
// records together with the moment they stop being trustworthy.
type Resolver interface {
	LookupMX(ctx context.Context, domain string) ([]MX, time.Time, error)
}

const defaultMXTTL = time.Minute * 10

// Client resolves against a single upstream DNS server,
// "host:port".
type Client struct {
	server string
	client *dns.Client
}

func NewClient(server string) *Client {
	return &Client{
		server: server,
		client: new(dns.Client),
	}
}

func (c *Client) LookupMX(ctx context.Context, domain string) ([]MX, time.Time, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeMX)

	in, _, err := c.client.ExchangeContext(ctx, m, c.server)
	if err != nil {
		return nil, time.Time{}, errors.WithMessage(err, "ExchangeContext")
	}

	if in.Rcode != dns.RcodeSuccess {
		return nil, time.Time{}, errors.Errorf("mx lookup for '%s' returned %s", domain, dns.RcodeToString[in.Rcode])
	}

	records := make([]MX, 0, len(in.Answer))
	minTTL := uint32(0)

	for _, rr := range in.Answer {
		mx, ok := rr.(*dns.MX)
		if !ok {
			continue
		}

		records = append(records, MX{
			Host: mx.Mx,
			Pref: mx.Preference,
		})

		if ttl := rr.Header().Ttl; minTTL == 0 || ttl < minTTL {
			minTTL = ttl
		}
	}

	// preference ascending, ties keep answer order
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	expires := time.Now().Add(defaultMXTTL)
	if minTTL > 0 {
		expires = time.Now().Add(time.Duration(minTTL) * time.Second)
	}

	return records, expires, nil
}
