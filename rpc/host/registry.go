package host

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/puzpuzpuz/xsync/v3"
)

// CookieRegistry maps cookies to connections and back. Reads are lock-free,
// register and unregister are serialized so both maps always agree.
type CookieRegistry struct {
	byCookie *xsync.MapOf[common.Cookie, *ClientConnection]
	byConn   *xsync.MapOf[net.Conn, common.Cookie]

	mu   sync.Mutex // serializes writers
	next atomic.Uint64
}

// NewCookieRegistry creates an empty registry. The first cookie handed out is
// common.CookieFirstRemote.
func NewCookieRegistry() *CookieRegistry {
	r := &CookieRegistry{
		byCookie: xsync.NewMapOf[common.Cookie, *ClientConnection](),
		byConn:   xsync.NewMapOf[net.Conn, common.Cookie](),
	}
	r.next.Store(uint64(common.CookieFirstRemote))
	return r
}

// Register assigns a fresh cookie to conn. Registering the same socket twice
// returns the existing connection.
func (r *CookieRegistry) Register(conn net.Conn, host string, port uint16) *ClientConnection {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cookie, ok := r.byConn.Load(conn); ok {
		if c, ok := r.byCookie.Load(cookie); ok {
			return c
		}
	}

	// cookies are never reused while the counter runs, skipping live ones
	// only matters after a wrap around
	var cookie common.Cookie
	for {
		cookie = common.Cookie(r.next.Add(1) - 1)
		if !cookie.IsRemote() {
			r.next.Store(uint64(common.CookieFirstRemote))
			continue
		}
		if _, taken := r.byCookie.Load(cookie); !taken {
			break
		}
	}

	c := newClientConnection(conn, host, port, cookie)
	r.byCookie.Store(cookie, c)
	r.byConn.Store(conn, cookie)
	return c
}

// Unregister removes cookie and returns its connection, nil if it was not
// registered
func (r *CookieRegistry) Unregister(cookie common.Cookie) *ClientConnection {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byCookie.LoadAndDelete(cookie)
	if !ok {
		return nil
	}
	r.byConn.Delete(c.conn)
	return c
}

// UnregisterAll empties the registry and returns what was registered
func (r *CookieRegistry) UnregisterAll() []*ClientConnection {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []*ClientConnection
	r.byCookie.Range(func(cookie common.Cookie, c *ClientConnection) bool {
		all = append(all, c)
		return true
	})
	r.byCookie.Clear()
	r.byConn.Clear()
	return all
}

// Lookup returns the connection of cookie or nil
func (r *CookieRegistry) Lookup(cookie common.Cookie) *ClientConnection {
	c, _ := r.byCookie.Load(cookie)
	return c
}

// CookieOf returns the cookie of conn or common.CookieUnknown
func (r *CookieRegistry) CookieOf(conn net.Conn) common.Cookie {
	if conn == nil {
		return common.CookieUnknown
	}
	cookie, ok := r.byConn.Load(conn)
	if !ok {
		return common.CookieUnknown
	}
	return cookie
}

// Contains reports whether cookie is registered
func (r *CookieRegistry) Contains(cookie common.Cookie) bool {
	_, ok := r.byCookie.Load(cookie)
	return ok
}

// Cookies returns all registered cookies in ascending order
func (r *CookieRegistry) Cookies() []common.Cookie {
	cookies := make([]common.Cookie, 0, r.byCookie.Size())
	r.byCookie.Range(func(cookie common.Cookie, _ *ClientConnection) bool {
		cookies = append(cookies, cookie)
		return true
	})
	sort.Slice(cookies, func(i, j int) bool { return cookies[i] < cookies[j] })
	return cookies
}

// Len returns the number of registered connections
func (r *CookieRegistry) Len() int {
	return r.byCookie.Size()
}
