// Package service exposes a conductor over HTTP: admin listing, per-cell
// introspection, and zome calls.
package service

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/holonnet/holon/src/chain"
	"github.com/holonnet/holon/src/conductor"
	"github.com/holonnet/holon/src/dht"
	"github.com/sirupsen/logrus"
)

// Service registers the Holon API handlers and serves them.
type Service struct {
	sync.Mutex

	bindAddress string
	conductor   *conductor.Conductor
	logger      *logrus.Entry
}

// NewService creates the service and registers its handlers.
func NewService(bindAddress string, c *conductor.Conductor, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		conductor:   c,
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServerMux of
// the http package. It is possible that another server in the same process is
// simultaneously using the DefaultServerMux. In which case, the handlers will
// be accessible from both servers. This is useful when Holon is used
// in-memory and expected to use the same endpoint (address:port) as the
// application's API.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering Holon API handlers")
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/apps", s.makeHandler(s.GetApps))
	http.HandleFunc("/cells/", s.makeHandler(s.GetCell))
	http.HandleFunc("/call", s.makeHandler(s.PostCall))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call. It is not necessary to
// call Serve when Holon is used in-memory and another server has already been
// started with the DefaultServerMux and the same address:port combination.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving Holon API")

	// Use the DefaultServerMux
	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

// Stats is the top-level view returned by /stats.
type Stats struct {
	Agent string      `json:"agent"`
	Apps  []string    `json:"apps"`
	Cells []CellStats `json:"cells"`
}

// CellStats is the runtime view of one cell.
type CellStats struct {
	CellID     string `json:"cell_id"`
	Dna        string `json:"dna"`
	State      string `json:"state"`
	ChainLen   uint32 `json:"chain_len"`
	Peers      int    `json:"peers"`
	Integrated int    `json:"integrated_ops"`
	Pending    int    `json:"pending_ops"`
	Blocked    int    `json:"blocked_agents"`
}

// GetStats serves /stats.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := Stats{
		Agent: s.conductor.Agent().String(),
		Apps:  s.conductor.ListApps(),
	}

	for _, appID := range stats.Apps {
		cells, err := s.conductor.ListCells(appID)
		if err != nil {
			continue
		}
		for _, info := range cells {
			stats.Cells = append(stats.Cells, s.cellStats(info))
		}
	}

	writeJSON(w, stats)
}

func (s *Service) cellStats(info conductor.CellInfo) CellStats {
	cs := CellStats{
		CellID: info.CellID,
		Dna:    info.Dna.String(),
		State:  string(info.Status),
	}

	n, err := s.conductor.Cell(info.CellID)
	if err != nil {
		return cs
	}

	cs.State = n.State().String()
	cs.ChainLen = n.Cell().Chain().Len()
	cs.Peers = n.Peers().Len()
	cs.Blocked = len(n.Blocks().List(time.Now().UnixNano()))

	if integrated, err := n.Ops().ListByState(dht.StateIntegrated, 0); err == nil {
		cs.Integrated = len(integrated)
	}
	if pending, err := n.Ops().ListByState(dht.StatePending, 0); err == nil {
		cs.Pending = len(pending)
	}

	return cs
}

// GetApps serves /apps: every installed app with its cells.
func (s *Service) GetApps(w http.ResponseWriter, r *http.Request) {
	res := map[string][]conductor.CellInfo{}
	for _, appID := range s.conductor.ListApps() {
		cells, err := s.conductor.ListCells(appID)
		if err != nil {
			continue
		}
		res[appID] = cells
	}
	writeJSON(w, res)
}

// GetCell serves /cells/{id}/{peers|chain|ops|blocks}.
func (s *Service) GetCell(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/cells/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "expected /cells/{id}/{peers|chain|ops|blocks}", http.StatusBadRequest)
		return
	}
	cellID, view := parts[0], parts[1]

	n, err := s.conductor.Cell(cellID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	switch view {
	case "peers":
		writeJSON(w, n.Peers().All(time.Now().UnixNano()))

	case "chain":
		records, err := n.Cell().Chain().Query(&chain.Filter{})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, records)

	case "ops":
		state := dht.OpState(r.URL.Query().Get("state"))
		if state == "" {
			state = dht.StateIntegrated
		}
		ops, err := n.Ops().ListByState(state, 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hashes := make([]string, len(ops))
		for i, op := range ops {
			hashes[i] = op.Hash.String()
		}
		writeJSON(w, hashes)

	case "blocks":
		writeJSON(w, n.Blocks().List(time.Now().UnixNano()))

	default:
		http.Error(w, "unknown view "+view, http.StatusNotFound)
	}
}

// CallRequest is the body of POST /call.
type CallRequest struct {
	CellID  string `json:"cell_id"`
	Zome    string `json:"zome"`
	Fn      string `json:"fn"`
	Payload []byte `json:"payload"`
}

// CallResponse is the reply of POST /call.
type CallResponse struct {
	Result []byte `json:"result"`
}

// PostCall serves /call: routes a zome call through the conductor.
func (s *Service) PostCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.conductor.CallZome(req.CellID, req.Zome, req.Fn, req.Payload)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"cell": req.CellID,
			"zome": req.Zome,
			"fn":   req.Fn,
		}).Error("zome call failed")

		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, CallResponse{Result: res})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
