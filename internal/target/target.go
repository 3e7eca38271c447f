// Package target normalises benchmark target hosts and decides whether a
// target may be benchmarked at all.
package target

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

var (
	ErrInvalidHost = errors.New("target: invalid host")
	ErrDenied      = errors.New("target: denied by policy")
)

// Normalize returns the ASCII, lower-case form of host suitable for both
// dialing and the Host header. IP literals (optionally bracketed) come back
// in canonical form.
func Normalize(host string) (string, error) {
	h := strings.TrimSpace(host)
	if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		h = h[1 : len(h)-1]
	}
	if h == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidHost)
	}
	if ip := net.ParseIP(h); ip != nil {
		return ip.String(), nil
	}
	h = strings.TrimSuffix(strings.ToLower(h), ".")
	ascii, err := idna.Lookup.ToASCII(h)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidHost, host, err)
	}
	if ascii == "" || strings.ContainsAny(ascii, ":/@") || !httpguts.ValidHostHeader(ascii) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHost, host)
	}
	return ascii, nil
}

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type Options struct {
	AllowHosts []string
	BlockHosts []string
	// AllowFile and BlockFile hold one host per line; # starts a comment.
	AllowFile    string
	BlockFile    string
	BlockPrivate bool
	AllowPorts   []int
	Resolver     Resolver
	Logger       *log.Logger
}

// Policy holds allow and block lists for targets. Lists loaded from files
// can be swapped at runtime with Load.
type Policy struct {
	opts Options

	mu        sync.RWMutex
	allow     map[string]struct{}
	block     map[string]struct{}
	ports     map[int]struct{}
	updatedAt time.Time
}

func NewPolicy(opts Options) (*Policy, error) {
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	p := &Policy{opts: opts}
	if err := p.Load(); err != nil {
		return nil, err
	}
	return p, nil
}

// Load rebuilds the host sets from the static lists and the list files.
func (p *Policy) Load() error {
	allow := p.buildSet(p.opts.AllowHosts)
	block := p.buildSet(p.opts.BlockHosts)
	if p.opts.AllowFile != "" {
		entries, err := readListFile(p.opts.AllowFile)
		if err != nil {
			return fmt.Errorf("read allow list: %w", err)
		}
		p.addAll(allow, entries)
	}
	if p.opts.BlockFile != "" {
		entries, err := readListFile(p.opts.BlockFile)
		if err != nil {
			return fmt.Errorf("read block list: %w", err)
		}
		p.addAll(block, entries)
	}
	ports := make(map[int]struct{}, len(p.opts.AllowPorts))
	for _, port := range p.opts.AllowPorts {
		ports[port] = struct{}{}
	}
	p.mu.Lock()
	p.allow = allow
	p.block = block
	p.ports = ports
	p.updatedAt = time.Now().UTC()
	p.mu.Unlock()
	return nil
}

func (p *Policy) buildSet(entries []string) map[string]struct{} {
	set := make(map[string]struct{}, len(entries))
	p.addAll(set, entries)
	return set
}

func (p *Policy) addAll(set map[string]struct{}, entries []string) {
	for _, e := range entries {
		h, err := Normalize(e)
		if err != nil {
			p.opts.Logger.Printf("warn: target: ignoring list entry %q: %v", e, err)
			continue
		}
		// an ICANN suffix such as "com" would match half the internet
		if net.ParseIP(h) == nil {
			if ps, icann := publicsuffix.PublicSuffix(h); icann && ps == h {
				p.opts.Logger.Printf("warn: target: ignoring public suffix list entry %q", e)
				continue
			}
		}
		set[h] = struct{}{}
	}
}

func readListFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, s.Err()
}

// Check reports whether host:port may be benchmarked. host must already be
// normalised. Denials wrap ErrDenied.
func (p *Policy) Check(ctx context.Context, host string, port int) error {
	p.mu.RLock()
	allow, block, ports := p.allow, p.block, p.ports
	p.mu.RUnlock()

	if len(ports) > 0 {
		if _, ok := ports[port]; !ok {
			return fmt.Errorf("%w: port %d not allowed", ErrDenied, port)
		}
	}
	if matches(block, host) {
		return fmt.Errorf("%w: host %s is blocked", ErrDenied, host)
	}
	if len(allow) > 0 && !matches(allow, host) {
		return fmt.Errorf("%w: host %s is not on the allow list", ErrDenied, host)
	}
	if !p.opts.BlockPrivate {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil {
		if isDisallowedIP(ip) {
			return fmt.Errorf("%w: address %s is private", ErrDenied, host)
		}
		return nil
	}
	addrs, err := p.opts.Resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("%w: dns lookup failed for %s", ErrDenied, host)
	}
	for _, a := range addrs {
		if isDisallowedIP(a.IP) {
			return fmt.Errorf("%w: %s resolves to private address %s", ErrDenied, host, a.IP)
		}
	}
	return nil
}

// Snapshot lists the effective rules, sorted, for status output.
func (p *Policy) Snapshot() (allow, block []string, updatedAt time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for h := range p.allow {
		allow = append(allow, h)
	}
	for h := range p.block {
		block = append(block, h)
	}
	sort.Strings(allow)
	sort.Strings(block)
	return allow, block, p.updatedAt
}

// matches reports whether host or one of its parent domains is in set.
// IP literals only match exactly.
func matches(set map[string]struct{}, host string) bool {
	if len(set) == 0 {
		return false
	}
	if _, ok := set[host]; ok {
		return true
	}
	if net.ParseIP(host) != nil {
		return false
	}
	for {
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return false
		}
		host = host[i+1:]
		if _, ok := set[host]; ok {
			return true
		}
	}
}

// isDisallowedIP returns true if the IP is within private, loopback,
// link-local, multicast or unspecified ranges.
func isDisallowedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsMulticast() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		switch {
		case v4[0] == 10: // 10.0.0.0/8
			return true
		case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31: // 172.16.0.0/12
			return true
		case v4[0] == 192 && v4[1] == 168: // 192.168.0.0/16
			return true
		case v4[0] == 100 && v4[1] >= 64 && v4[1] <= 127: // CGNAT 100.64.0.0/10
			return true
		}
		return false
	}
	// unique local fc00::/7
	if ip16 := ip.To16(); ip16 != nil && ip16[0]&0xfe == 0xfc {
		return true
	}
	return false
}
