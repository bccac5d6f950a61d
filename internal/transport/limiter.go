package transport

import (
	"net/netip"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/time/rate"
)

// handshakeLimiter meters public-key replies. Every reply must pass both the
// endpoint-wide bucket and the bucket of its source address, so one noisy
// sender cannot use up the budget of everyone else. Address buckets live in
// an LRU; an evicted address simply starts again with a full bucket.
type handshakeLimiter struct {
	global *rate.Limiter
	peers  *lru.Cache

	peerRate  rate.Limit
	peerBurst int
}

func newHandshakeLimiter(o Options) (*handshakeLimiter, error) {
	peers, err := lru.New(o.HandshakePeers)
	if err != nil {
		return nil, err
	}
	return &handshakeLimiter{
		global:    rate.NewLimiter(rate.Limit(o.HandshakeRate), o.HandshakeBurst),
		peers:     peers,
		peerRate:  rate.Limit(o.HandshakePeerRate),
		peerBurst: o.HandshakePeerBurst,
	}, nil
}

// allow reports whether a reply to addr may go out at now. The address
// bucket is checked first so a refused sender does not drain the shared one.
func (l *handshakeLimiter) allow(addr netip.AddrPort, now time.Time) bool {
	var lim *rate.Limiter
	if v, ok := l.peers.Get(addr.Addr()); ok {
		lim = v.(*rate.Limiter)
	} else {
		lim = rate.NewLimiter(l.peerRate, l.peerBurst)
		l.peers.Add(addr.Addr(), lim)
	}
	if !lim.AllowN(now, 1) {
		return false
	}
	return l.global.AllowN(now, 1)
}
