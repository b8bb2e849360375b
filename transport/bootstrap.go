package transport

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/lightningnetwork/lnd/tor"
	"github.com/miekg/dns"
)

// dialTimeout bounds an outbound peer dial and the DNS queries backing it.
const dialTimeout = 30 * time.Second

// net returns the configured network abstraction, defaulting to the clear
// net. A Tor deployment passes tor.ProxyNet here so dials and host lookups
// never touch the system resolver.
func (m *Manager) net() tor.Net {
	if m.cfg.Net != nil {
		return m.cfg.Net
	}
	return &tor.ClearNet{}
}

// DNSSeedBootstrapper samples candidate peer addresses from DNS seeds, the
// same SRV-record convention lnd's network bootstrapper uses: each seed
// publishes SRV records under _nodes._tcp.<seed> whose targets resolve to
// listening peers. SRV queries go through the configured tor.Net first;
// resolvers that refuse the large SRV responses over UDP (or a Tor DNS
// port that only speaks TCP) are retried with a direct TCP query via
// miekg/dns against the fallback resolver.
type DNSSeedBootstrapper struct {
	seeds    []string
	net      tor.Net
	fallback string
}

// NewDNSSeedBootstrapper builds a bootstrapper over seeds; fallback is the
// host:port of a resolver used for the TCP fallback query, empty to disable
// the fallback.
func NewDNSSeedBootstrapper(seeds []string, netImpl tor.Net, fallback string) *DNSSeedBootstrapper {
	return &DNSSeedBootstrapper{seeds: seeds, net: netImpl, fallback: fallback}
}

// SampleAddrs queries every configured seed and returns up to max candidate
// host:port peer addresses.
func (b *DNSSeedBootstrapper) SampleAddrs(max int) ([]string, error) {
	var out []string
	for _, seed := range b.seeds {
		_, srvs, err := b.net.LookupSRV("nodes", "tcp", seed, dialTimeout)
		if err != nil {
			log.Debugf("SRV lookup against %v failed (%v), trying TCP fallback", seed, err)
			srvs, err = b.fallbackSRVLookup(seed)
			if err != nil {
				log.Warnf("unable to query DNS seed %v: %v", seed, err)
				continue
			}
		}

		for _, srv := range srvs {
			if len(out) >= max {
				return out, nil
			}
			hosts, err := b.net.LookupHost(srv.Target)
			if err != nil || len(hosts) == 0 {
				continue
			}
			out = append(out, net.JoinHostPort(hosts[0], strconv.Itoa(int(srv.Port))))
		}
	}
	return out, nil
}

// fallbackSRVLookup issues the SRV query directly over TCP, sidestepping
// resolvers that truncate or refuse large SRV responses over UDP.
func (b *DNSSeedBootstrapper) fallbackSRVLookup(seed string) ([]*net.SRV, error) {
	if b.fallback == "" {
		return nil, fmt.Errorf("no fallback resolver configured")
	}

	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn("_nodes._tcp."+seed), dns.TypeSRV)

	client := &dns.Client{Net: "tcp", Timeout: dialTimeout}
	resp, _, err := client.Exchange(req, b.fallback)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("seed %v returned rcode %v", seed, resp.Rcode)
	}

	var srvs []*net.SRV
	for _, rr := range resp.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		srvs = append(srvs, &net.SRV{
			Target:   srv.Target,
			Port:     srv.Port,
			Priority: srv.Priority,
			Weight:   srv.Weight,
		})
	}
	return srvs, nil
}
