package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"

	"github.com/onkernel/hypestack/lib/logger"
)

const dnsTTL = 5

// DNSServer answers A queries for "<service>.<unit>." from the host, using
// the same resolution the fabric gives containers.
type DNSServer struct {
	manager Manager

	mu      sync.RWMutex
	handles map[string]*Handle // unit -> fabric

	server *dns.Server
	addr   net.Addr
}

// NewDNSServer creates a responder backed by mgr.
func NewDNSServer(mgr Manager) *DNSServer {
	return &DNSServer{
		manager: mgr,
		handles: make(map[string]*Handle),
	}
}

// Register makes the services of h's unit resolvable.
func (s *DNSServer) Register(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[strings.ToLower(h.Unit)] = h
}

// Unregister removes a unit.
func (s *DNSServer) Unregister(unit string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, strings.ToLower(unit))
}

// Start listens on addr (udp) and serves until Shutdown.
func (s *DNSServer) Start(ctx context.Context, addr string) error {
	log := logger.FromContext(ctx)

	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("listen dns %s: %w", addr, err)
	}

	started := make(chan struct{})
	s.server = &dns.Server{
		PacketConn:        pc,
		Handler:           s,
		NotifyStartedFunc: func() { close(started) },
	}
	s.addr = pc.LocalAddr()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ActivateAndServe()
	}()

	select {
	case <-started:
		log.InfoContext(ctx, "dns responder listening", "addr", s.addr.String())
		return nil
	case err := <-errCh:
		return fmt.Errorf("serve dns: %w", err)
	case <-ctx.Done():
		s.server.Shutdown()
		return ctx.Err()
	}
}

// Addr returns the listening address once started.
func (s *DNSServer) Addr() net.Addr {
	return s.addr
}

// Shutdown stops the responder.
func (s *DNSServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.ShutdownContext(ctx)
}

// ServeDNS implements dns.Handler.
func (s *DNSServer) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	ctx := context.Background()
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	if len(r.Question) != 1 {
		m.Rcode = dns.RcodeFormatError
		w.WriteMsg(m)
		return
	}
	q := r.Question[0]

	addr, err := s.lookup(ctx, q.Name)
	switch {
	case err != nil:
		m.Rcode = dns.RcodeNameError
	case q.Qtype == dns.TypeA || q.Qtype == dns.TypeANY:
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: dnsTTL},
			A:   addr,
		})
	}
	w.WriteMsg(m)
}

func (s *DNSServer) lookup(ctx context.Context, name string) (net.IP, error) {
	labels := dns.SplitDomainName(strings.ToLower(name))
	if len(labels) != 2 {
		return nil, ErrNotResolvable
	}

	s.mu.RLock()
	h, ok := s.handles[labels[1]]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotResolvable
	}

	members, err := s.manager.Members(ctx, h)
	if err != nil {
		return nil, err
	}
	for _, member := range members {
		if Alias(member.Service) != labels[0] {
			continue
		}
		addr, err := s.manager.Resolve(ctx, h, member.Service)
		if err != nil {
			return nil, err
		}
		ip := net.ParseIP(addr)
		if ip == nil || ip.To4() == nil {
			return nil, errors.New("not an IPv4 address: " + addr)
		}
		return ip.To4(), nil
	}
	return nil, ErrNotResolvable
}
