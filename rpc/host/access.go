package host

import (
	"net"
	"strings"
	"sync"

	"github.com/ValentinKolb/dMux/rpc/common"
)

// AccessList decides which peers may connect. With common.AccessDefaultAccept
// only black-listed peers are rejected, with common.AccessDefaultReject only
// white-listed peers are accepted.
type AccessList struct {
	mu    sync.RWMutex
	mode  common.AccessMode
	white map[string]struct{}
	black map[string]struct{}
}

// NewAccessList creates an access list. An empty mode means default accept.
func NewAccessList(mode common.AccessMode, white, black []string) *AccessList {
	if mode == "" {
		mode = common.AccessDefaultAccept
	}
	a := &AccessList{
		mode:  mode,
		white: make(map[string]struct{}),
		black: make(map[string]struct{}),
	}
	for _, ip := range white {
		a.white[normalizeIP(ip)] = struct{}{}
	}
	for _, ip := range black {
		a.black[normalizeIP(ip)] = struct{}{}
	}
	return a
}

// SetMode changes the default policy
func (a *AccessList) SetMode(mode common.AccessMode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = mode
}

// Mode returns the default policy
func (a *AccessList) Mode() common.AccessMode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mode
}

// Allow adds ip to the white list and removes it from the black list
func (a *AccessList) Allow(ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ip = normalizeIP(ip)
	a.white[ip] = struct{}{}
	delete(a.black, ip)
}

// Deny adds ip to the black list and removes it from the white list
func (a *AccessList) Deny(ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ip = normalizeIP(ip)
	a.black[ip] = struct{}{}
	delete(a.white, ip)
}

// Remove drops ip from both lists
func (a *AccessList) Remove(ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ip = normalizeIP(ip)
	delete(a.white, ip)
	delete(a.black, ip)
}

// IsAllowed applies the policy to ip
func (a *AccessList) IsAllowed(ip string) bool {
	if a == nil {
		return true
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	ip = normalizeIP(ip)
	if a.mode == common.AccessDefaultReject {
		_, ok := a.white[ip]
		return ok
	}
	_, blocked := a.black[ip]
	return !blocked
}

// normalizeIP gives IPv4-mapped IPv6 and plain IPv4 the same spelling
func normalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if parsed := net.ParseIP(ip); parsed != nil {
		return parsed.String()
	}
	return ip
}
