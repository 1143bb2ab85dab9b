package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver turns hostnames into addresses. When Nameservers is set they are
// queried directly first and the system resolver is the fallback.
type Resolver struct {
	Nameservers []string
	Timeout     time.Duration
}

func (r *Resolver) Lookup(ctx context.Context, host string) ([]net.IP, error) {
	var lastErr error

	if len(r.Nameservers) > 0 {
		ips, err := r.lookupDirect(ctx, host)
		if err == nil && len(ips) > 0 {
			return ips, nil
		}
		if err != nil {
			lastErr = fmt.Errorf("direct DNS failed: %w", err)
		}
	}

	ips, err := r.lookupSystem(ctx, host)
	if err == nil && len(ips) > 0 {
		return ips, nil
	}
	if err != nil {
		sysErr := fmt.Errorf("system DNS failed: %w", err)
		if lastErr != nil {
			lastErr = fmt.Errorf("%w; %w", lastErr, sysErr)
		} else {
			lastErr = sysErr
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no usable addresses")
	}
	return nil, fmt.Errorf("all resolution methods failed for %s: %w", host, lastErr)
}

func (r *Resolver) lookupSystem(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if a.IP.IsUnspecified() {
			continue
		}
		ips = append(ips, a.IP)
	}
	return ips, nil
}

func (r *Resolver) lookupDirect(ctx context.Context, host string) ([]net.IP, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	client := &dns.Client{Net: "udp", Timeout: timeout}

	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true

		for _, server := range r.Nameservers {
			response, _, err := client.ExchangeContext(ctx, m, nameserverAddr(server))
			if err != nil {
				lastErr = err
				continue
			}
			if response.Rcode != dns.RcodeSuccess {
				lastErr = fmt.Errorf("%s answered %s", server, dns.RcodeToString[response.Rcode])
				continue
			}
			if ips := answerIPs(response, qtype); len(ips) > 0 {
				return ips, nil
			}
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no usable IPs resolved via direct DNS")
	}
	return nil, lastErr
}

func answerIPs(response *dns.Msg, qtype uint16) []net.IP {
	var ips []net.IP
	for _, ans := range response.Answer {
		switch a := ans.(type) {
		case *dns.A:
			if qtype == dns.TypeA && !a.A.IsUnspecified() {
				ips = append(ips, a.A)
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA && !a.AAAA.IsUnspecified() {
				ips = append(ips, a.AAAA)
			}
		}
	}
	return ips
}

func nameserverAddr(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, "53")
}
