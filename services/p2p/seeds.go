package p2p

import (
	"context"
	"net"
	"time"

	"github.com/zion-terranova/ziond/ulogger"
)

const seedDialTimeout = 3 * time.Second

// DiscoverSeeds probes the configured seed nodes and returns the reachable
// ones. An empty result is a warning, not an error: the node keeps serving
// whatever peers it already has.
func DiscoverSeeds(ctx context.Context, logger ulogger.Logger, seeds []string) []string {
	var reachable []string

	dialer := net.Dialer{Timeout: seedDialTimeout}
	for _, seed := range seeds {
		conn, err := dialer.DialContext(ctx, "tcp", seed)
		if err != nil {
			logger.Debugf("seed %s unreachable: %v", seed, err)
			continue
		}
		_ = conn.Close()
		logger.Infof("seed node reachable: %s", seed)
		reachable = append(reachable, seed)
	}

	if len(reachable) == 0 {
		logger.Warnf("no seed nodes reachable")
	} else {
		logger.Infof("discovered %d reachable seeds", len(reachable))
	}

	return reachable
}

// ResolveDNSSeeds expands a DNS seed domain into host:port addresses for
// networks that publish A records.
func ResolveDNSSeeds(ctx context.Context, logger ulogger.Logger, domain, port string) []string {
	var resolver net.Resolver

	resolveCtx, cancel := context.WithTimeout(ctx, seedDialTimeout)
	defer cancel()

	ips, err := resolver.LookupHost(resolveCtx, domain)
	if err != nil {
		logger.Warnf("dns lookup failed for %s: %v", domain, err)
		return nil
	}

	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, net.JoinHostPort(ip, port))
	}
	logger.Infof("resolved %d addresses from %s", len(addrs), domain)
	return addrs
}
