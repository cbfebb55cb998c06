// Package fetch implements the process-wide pool that pulls ops from remote
// peers. Gossip rounds only exchange op hashes; the actual op transfer always
// goes through this pool so a failed round still makes progress and the same
// op is never fetched twice concurrently.
package fetch

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/holonnet/holon/src/dht"
	"github.com/holonnet/holon/src/hashes"
	"github.com/sirupsen/logrus"
)

// Fetcher asks one peer for one op. The transport layer implements it.
type Fetcher interface {
	FetchOp(peer hashes.Hash, opHash hashes.Hash) (*dht.Op, error)
}

// Handler receives completed ops; the validation pipeline hangs off it.
type Handler func(op *dht.Op, source hashes.Hash)

// Config bounds the pool's retry and concurrency behavior.
type Config struct {
	// MaxAttempts is the hard cap of fetch attempts per op hash before the
	// op is dropped with a log line.
	MaxAttempts int
	// PerPeerBudget caps concurrent fetches against one peer.
	PerPeerBudget int
	// GlobalBudget caps concurrent fetches overall.
	GlobalBudget int
	// BaseBackoff is the first retry delay per source; it doubles per
	// failure up to MaxBackoff, with jitter.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Tick is the scheduling granularity of the run loop.
	Tick time.Duration
}

// DefaultConfig returns the pool bounds used when the DNA does not override
// them.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   8,
		PerPeerBudget: 4,
		GlobalBudget:  64,
		BaseBackoff:   200 * time.Millisecond,
		MaxBackoff:    30 * time.Second,
		Tick:          20 * time.Millisecond,
	}
}

// item tracks one wanted op hash with its fallback sources.
type item struct {
	opHash   hashes.Hash
	sources  []hashes.Hash
	attempts int
	inFlight bool
	source   hashes.Hash
	nextTry  time.Time
	backoff  time.Duration
}

// Pool is the prioritized fetch queue. At most one fetch per op hash is in
// flight at any time; additional sources learned for the same hash are kept
// as fallbacks.
type Pool struct {
	mtx sync.Mutex

	conf    Config
	fetcher Fetcher
	handler Handler
	logger  *logrus.Entry

	items map[string]*item
	// perPeer counts in-flight fetches per peer.
	perPeer  map[string]int
	inFlight int
	// demotions deprioritizes sources that failed us before.
	demotions map[string]int

	shutdownCh chan struct{}
	wg         sync.WaitGroup
	started    bool
}

// NewPool creates a fetch pool. The handler is called from worker goroutines
// once per completed op.
func NewPool(conf Config, fetcher Fetcher, handler Handler, logger *logrus.Entry) *Pool {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}
	return &Pool{
		conf:       conf,
		fetcher:    fetcher,
		handler:    handler,
		logger:     logger,
		items:      make(map[string]*item),
		perPeer:    make(map[string]int),
		demotions:  make(map[string]int),
		shutdownCh: make(chan struct{}),
	}
}

// Start launches the scheduling loop.
func (p *Pool) Start() {
	p.mtx.Lock()
	if p.started {
		p.mtx.Unlock()
		return
	}
	p.started = true
	p.mtx.Unlock()

	p.wg.Add(1)
	go p.run()
}

// Stop shuts the pool down and waits for in-flight fetches.
func (p *Pool) Stop() {
	close(p.shutdownCh)
	p.wg.Wait()
}

// Request enqueues an op hash with a source peer. Requesting a hash that is
// already wanted records the peer as a fallback source instead of starting a
// second fetch.
func (p *Pool) Request(opHash hashes.Hash, source hashes.Hash) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	it, ok := p.items[opHash.String()]
	if !ok {
		p.items[opHash.String()] = &item{
			opHash:  opHash,
			sources: []hashes.Hash{source},
			backoff: p.conf.BaseBackoff,
		}
		return
	}

	for _, s := range it.sources {
		if s.Equal(source) {
			return
		}
	}
	it.sources = append(it.sources, source)
}

// Pending returns the number of op hashes still wanted.
func (p *Pool) Pending() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.items)
}

func (p *Pool) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.conf.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-p.shutdownCh:
			return
		case <-ticker.C:
			p.dispatch()
		}
	}
}

// dispatch launches fetches for due items within the concurrency budgets.
func (p *Pool) dispatch() {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	now := time.Now()

	for _, it := range p.items {
		if it.inFlight || now.Before(it.nextTry) {
			continue
		}
		if p.inFlight >= p.conf.GlobalBudget {
			return
		}

		source, ok := p.pickSource(it)
		if !ok {
			continue
		}

		it.inFlight = true
		it.source = source
		it.attempts++
		p.inFlight++
		p.perPeer[source.String()]++

		p.wg.Add(1)
		go p.fetch(it.opHash, source)
	}
}

// pickSource returns the least-demoted source within its per-peer budget.
// Called with the lock held.
func (p *Pool) pickSource(it *item) (hashes.Hash, bool) {
	candidates := make([]hashes.Hash, 0, len(it.sources))
	for _, s := range it.sources {
		if p.perPeer[s.String()] < p.conf.PerPeerBudget {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return hashes.Hash{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		di := p.demotions[candidates[i].String()]
		dj := p.demotions[candidates[j].String()]
		if di != dj {
			return di < dj
		}
		return candidates[i].String() < candidates[j].String()
	})

	return candidates[0], true
}

func (p *Pool) fetch(opHash hashes.Hash, source hashes.Hash) {
	defer p.wg.Done()

	op, err := p.fetcher.FetchOp(source, opHash)

	p.mtx.Lock()

	it, ok := p.items[opHash.String()]
	if ok {
		it.inFlight = false
	}
	p.inFlight--
	p.perPeer[source.String()]--

	if err != nil {
		p.demotions[source.String()]++

		if it != nil {
			if it.attempts >= p.conf.MaxAttempts {
				delete(p.items, opHash.String())
				p.mtx.Unlock()
				p.logger.WithFields(logrus.Fields{
					"op_hash":  opHash.Short(),
					"attempts": it.attempts,
					"error":    err,
				}).Warn("fetch: dropping op after attempt cap")
				return
			}

			// rotate the failed source to the back and back off
			if len(it.sources) > 1 && it.sources[0].Equal(source) {
				it.sources = append(it.sources[1:], source)
			}
			it.nextTry = time.Now().Add(jitter(it.backoff))
			it.backoff *= 2
			if it.backoff > p.conf.MaxBackoff {
				it.backoff = p.conf.MaxBackoff
			}
		}
		p.mtx.Unlock()
		return
	}

	delete(p.items, opHash.String())
	p.mtx.Unlock()

	if op != nil {
		p.handler(op, source)
	}
}

// jitter spreads a delay uniformly over [d/2, 3d/2) so retries against the
// same peer do not synchronize.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := int64(d) / 2
	return time.Duration(half + rand.Int63n(int64(d)))
}
