// Package pushid issues 20-character keys that sort lexicographically
// in issuance order, so listing a KV prefix by key yields creation
// order even under concurrent writers in one process.
package pushid

import (
	"math/rand"
	"sync"
	"time"
)

// The alphabet is ASCII-ordered so byte comparison matches issuance
// order. 64 symbols, '-' lowest, 'z' highest.
const alphabet = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

const (
	timeLen = 8
	randLen = 12
)

// Generator issues ids. The zero value is ready to use.
type Generator struct {
	mu       sync.Mutex
	lastTime int64
	lastRand [randLen]int
}

// Next returns a new id strictly greater than every id this generator
// issued before it. Ids issued in the same millisecond reuse the
// previous random tail incremented by one, which keeps them ordered.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	if now <= g.lastTime {
		// Same millisecond, or the clock stepped backwards; pin the
		// timestamp so ordering holds either way.
		now = g.lastTime
		for i := randLen - 1; i >= 0; i-- {
			g.lastRand[i]++
			if g.lastRand[i] < len(alphabet) {
				break
			}
			g.lastRand[i] = 0
		}
	} else {
		g.lastTime = now
		for i := range g.lastRand {
			g.lastRand[i] = rand.Intn(len(alphabet))
		}
	}

	id := make([]byte, timeLen+randLen)
	t := now
	for i := timeLen - 1; i >= 0; i-- {
		id[i] = alphabet[t%64]
		t /= 64
	}
	for i, r := range g.lastRand {
		id[timeLen+i] = alphabet[r]
	}
	return string(id)
}
