package peers

import (
	"fmt"
	"sort"
	"sync"

	cm "github.com/holonnet/holon/src/common"
	"github.com/holonnet/holon/src/hashes"
	"github.com/sirupsen/logrus"
)

// Store holds the agent-info records a node has learned about its DNA's
// network. Records are keyed by agent; a fresher record for the same agent
// supersedes the older one.
type Store struct {
	mtx     sync.RWMutex
	byAgent map[string]*AgentInfo
	logger  *logrus.Entry
}

// NewStore creates an empty peer store.
func NewStore(logger *logrus.Entry) *Store {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}
	return &Store{
		byAgent: make(map[string]*AgentInfo),
		logger:  logger,
	}
}

// Insert validates and stores an agent-info record. It rejects records with
// a bad signature, records whose expiry does not follow their signing time,
// records already expired at now, and records older than what the store
// holds for the same agent.
func (s *Store) Insert(info *AgentInfo, now int64) error {
	ok, err := info.Verify()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("agent info signature does not verify")
	}
	if info.Body.SignedAt >= info.Body.ExpiresAt {
		return fmt.Errorf("agent info must expire after it is signed")
	}

	agent := info.AgentHash()

	if info.Expired(now) {
		return cm.NewStoreErr("PeerStore", cm.Expired, agent.Short())
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if existing, ok := s.byAgent[agent.String()]; ok {
		if existing.Body.SignedAt >= info.Body.SignedAt {
			return cm.NewStoreErr("PeerStore", cm.Superseded, agent.Short())
		}
	}

	s.byAgent[agent.String()] = info

	s.logger.WithFields(logrus.Fields{
		"agent":      agent.Short(),
		"urls":       info.Body.URLs,
		"expires_at": info.Body.ExpiresAt,
	}).Debug("PeerStore.Insert")

	return nil
}

// Get returns the stored record for an agent.
func (s *Store) Get(agent hashes.Hash) (*AgentInfo, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	info, ok := s.byAgent[agent.String()]
	if !ok {
		return nil, cm.NewStoreErr("PeerStore", cm.KeyNotFound, agent.Short())
	}
	return info, nil
}

// GetNear returns up to n non-expired records whose agent location is
// nearest to loc on the ring. Ties break toward the lower agent hash.
func (s *Store) GetNear(loc uint32, n int, now int64) []*AgentInfo {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var res []*AgentInfo
	for _, info := range s.byAgent {
		if info.Expired(now) {
			continue
		}
		res = append(res, info)
	}

	sort.Slice(res, func(i, j int) bool {
		di := hashes.RingDistance(loc, res[i].AgentHash().Loc())
		dj := hashes.RingDistance(loc, res[j].AgentHash().Loc())
		if di != dj {
			return di < dj
		}
		return res[i].AgentHash().String() < res[j].AgentHash().String()
	})

	if n > 0 && len(res) > n {
		res = res[:n]
	}
	return res
}

// All returns every non-expired record.
func (s *Store) All(now int64) []*AgentInfo {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var res []*AgentInfo
	for _, info := range s.byAgent {
		if info.Expired(now) {
			continue
		}
		res = append(res, info)
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].AgentHash().String() < res[j].AgentHash().String()
	})

	return res
}

// PruneExpired evicts every record past its expiry and returns how many were
// dropped.
func (s *Store) PruneExpired(now int64) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	dropped := 0
	for key, info := range s.byAgent {
		if info.Expired(now) {
			delete(s.byAgent, key)
			dropped++
		}
	}

	if dropped > 0 {
		s.logger.WithField("dropped", dropped).Debug("PeerStore.PruneExpired")
	}

	return dropped
}

// Len returns the number of stored records, expired ones included.
func (s *Store) Len() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return len(s.byAgent)
}
