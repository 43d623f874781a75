package interceptor

import (
	"math/rand"
	"sync"
	"time"
)

// seedSource hands out seeds for the per-worker PRNGs. Each worker gets its
// own plain rand.Rand (single reader goroutine per direction, no locking);
// only the seeder itself has to be thread safe.
var seedSource = NewThreadSafeRand()

func NewThreadSafeRand() *rand.Rand {
	return rand.New(&lockedSource{
		lk:  sync.Mutex{},
		src: rand.NewSource(time.Now().UnixNano()),
	})
}

func newWorkerRand() *rand.Rand {
	return rand.New(rand.NewSource(seedSource.Int63()))
}

type lockedSource struct {
	lk  sync.Mutex
	src rand.Source
}

func (r *lockedSource) Int63() (n int64) {
	r.lk.Lock()
	n = r.src.Int63()
	r.lk.Unlock()
	return
}

func (r *lockedSource) Seed(seed int64) {
	r.lk.Lock()
	r.src.Seed(seed)
	r.lk.Unlock()
}
