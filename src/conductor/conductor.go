// Package conductor manages the apps a single agent runs: installing and
// enabling them, cloning cells onto fresh networks, routing zome calls, and
// shutting everything down in one place. One conductor holds one agent key;
// every cell it starts authors under that key.
package conductor

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/holonnet/holon/src/chain"
	"github.com/holonnet/holon/src/crypto/keys"
	"github.com/holonnet/holon/src/dht"
	"github.com/holonnet/holon/src/hashes"
	"github.com/holonnet/holon/src/net"
	"github.com/holonnet/holon/src/node"
	"github.com/holonnet/holon/src/ribosome"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

var (
	// ErrCellDisabled is returned on calls into a disabled cell.
	ErrCellDisabled = errors.New("cell is disabled")
	// ErrAppNotFound is returned for unknown app or cell ids.
	ErrAppNotFound = errors.New("no such app")
)

// DnaDef identifies a network: the application name plus a network seed.
// Different seeds of the same name hash to different DNAs and never share
// data.
type DnaDef struct {
	Name        string
	NetworkSeed string
}

// Hash returns the DNA hash of the definition.
func (d DnaDef) Hash() hashes.Hash {
	buf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	if err := codec.NewEncoder(buf, jh).Encode(d); err != nil {
		panic(fmt.Errorf("failed to encode dna def: %v", err))
	}
	return hashes.New(hashes.DNA, buf.Bytes())
}

// Info returns the DNA identity a cell runs under.
func (d DnaDef) Info() ribosome.DnaInfo {
	return ribosome.DnaInfo{
		Hash:        d.Hash(),
		Name:        d.Name,
		NetworkSeed: d.NetworkSeed,
	}
}

// CellStatus is the admin-visible state of one cell.
type CellStatus string

const (
	// Disabled means installed but not running.
	Disabled CellStatus = "Disabled"
	// Enabled means the cell's node is running.
	Enabled CellStatus = "Enabled"
)

// CellInfo is the admin view of one cell.
type CellInfo struct {
	CellID string
	AppID  string
	Def    DnaDef
	Dna    hashes.Hash
	Status CellStatus
}

// cellEntry is one installed cell: the base cell of an app or a clone.
type cellEntry struct {
	cellID string
	def    DnaDef
	node   *node.Node
	status CellStatus
}

// app groups an installed guest with its base cell and clones.
type app struct {
	id            string
	def           DnaDef
	guest         ribosome.Guest
	membraneProof []byte
	cells         map[string]*cellEntry
	cloneCount    int
}

// TransportFactory builds one transport per cell.
type TransportFactory func() (net.Transport, error)

// StoreFactory builds the chain and op stores of one cell, keyed by DNA so
// persistent backends can place them.
type StoreFactory func(dna hashes.Hash) (chain.Store, dht.Store, error)

// SignalHandler receives app signals tagged with their cell of origin.
type SignalHandler func(cellID string, payload []byte)

// Config bounds the conductor.
type Config struct {
	// Node is the per-cell runtime configuration.
	Node node.Config
}

// Conductor runs one agent's apps.
type Conductor struct {
	mtx sync.Mutex

	conf       Config
	priv       *ecdsa.PrivateKey
	agent      hashes.Hash
	transports TransportFactory
	stores     StoreFactory
	signals    SignalHandler
	logger     *logrus.Entry

	apps     map[string]*app
	shutdown bool
}

// NewConductor creates a conductor for one agent key.
func NewConductor(
	conf Config,
	priv *ecdsa.PrivateKey,
	transports TransportFactory,
	stores StoreFactory,
	signals SignalHandler,
	logger *logrus.Entry,
) *Conductor {

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &Conductor{
		conf:       conf,
		priv:       priv,
		agent:      hashes.New(hashes.Agent, keys.FromPublicKey(&priv.PublicKey)),
		transports: transports,
		stores:     stores,
		signals:    signals,
		logger:     logger,
		apps:       make(map[string]*app),
	}
}

// Agent returns the conductor's agent hash.
func (c *Conductor) Agent() hashes.Hash {
	return c.agent
}

// InstallApp registers an app. The base cell is created disabled; EnableApp
// starts it.
func (c *Conductor) InstallApp(appID string, def DnaDef, guest ribosome.Guest, membraneProof []byte) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.shutdown {
		return fmt.Errorf("conductor is shut down")
	}
	if _, ok := c.apps[appID]; ok {
		return fmt.Errorf("app %q is already installed", appID)
	}

	a := &app{
		id:            appID,
		def:           def,
		guest:         guest,
		membraneProof: membraneProof,
		cells:         make(map[string]*cellEntry),
	}
	a.cells[appID] = &cellEntry{
		cellID: appID,
		def:    def,
		status: Disabled,
	}
	c.apps[appID] = a

	c.logger.WithFields(logrus.Fields{
		"app": appID,
		"dna": def.Hash().Short(),
	}).Debug("conductor: app installed")

	return nil
}

// EnableApp starts every cell of an app.
func (c *Conductor) EnableApp(appID string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	a, ok := c.apps[appID]
	if !ok {
		return ErrAppNotFound
	}

	for _, entry := range a.cells {
		if err := c.enableCell(a, entry); err != nil {
			return err
		}
	}
	return nil
}

// enableCell starts or resumes one cell. Caller holds the lock.
func (c *Conductor) enableCell(a *app, entry *cellEntry) error {
	if entry.status == Enabled {
		return nil
	}

	if entry.node != nil {
		entry.node.Resume()
		entry.status = Enabled
		return nil
	}

	trans, err := c.transports()
	if err != nil {
		return err
	}
	chainStore, opStore, err := c.stores(entry.def.Hash())
	if err != nil {
		trans.Close()
		return err
	}

	conf := c.conf.Node
	conf.MembraneProof = a.membraneProof

	cellID := entry.cellID
	var signals func(payload []byte)
	if c.signals != nil {
		signals = func(payload []byte) { c.signals(cellID, payload) }
	}

	n := node.NewNode(
		conf, entry.def.Info(), c.priv, a.guest,
		trans, chainStore, opStore, signals, c.logger,
	)
	if err := n.Start(); err != nil {
		trans.Close()
		return err
	}

	entry.node = n
	entry.status = Enabled

	c.logger.WithFields(logrus.Fields{
		"cell": entry.cellID,
		"dna":  entry.def.Hash().Short(),
	}).Debug("conductor: cell enabled")

	return nil
}

// DisableApp suspends every cell of an app. Disabled cells decline zome
// calls and network requests but keep their data.
func (c *Conductor) DisableApp(appID string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	a, ok := c.apps[appID]
	if !ok {
		return ErrAppNotFound
	}

	for _, entry := range a.cells {
		if entry.node != nil {
			entry.node.Suspend()
		}
		entry.status = Disabled
	}
	return nil
}

// UninstallApp stops an app's cells and forgets the app.
func (c *Conductor) UninstallApp(appID string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	a, ok := c.apps[appID]
	if !ok {
		return ErrAppNotFound
	}

	for _, entry := range a.cells {
		if entry.node != nil {
			entry.node.Shutdown()
		}
	}
	delete(c.apps, appID)

	c.logger.WithField("app", appID).Debug("conductor: app uninstalled")
	return nil
}

// CreateCloneCell starts a new cell of an installed app on a fresh network
// seed. The clone shares the guest code and nothing else.
func (c *Conductor) CreateCloneCell(appID, networkSeed string) (string, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	a, ok := c.apps[appID]
	if !ok {
		return "", ErrAppNotFound
	}

	def := DnaDef{Name: a.def.Name, NetworkSeed: networkSeed}
	for _, entry := range a.cells {
		if entry.def.Hash().Equal(def.Hash()) {
			return "", fmt.Errorf("a cell with seed %q already exists", networkSeed)
		}
	}

	a.cloneCount++
	entry := &cellEntry{
		cellID: fmt.Sprintf("%s.%d", appID, a.cloneCount),
		def:    def,
		status: Disabled,
	}
	a.cells[entry.cellID] = entry

	if err := c.enableCell(a, entry); err != nil {
		delete(a.cells, entry.cellID)
		return "", err
	}
	return entry.cellID, nil
}

// EnableCloneCell resumes one clone cell by id.
func (c *Conductor) EnableCloneCell(cellID string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	a, entry, err := c.findClone(cellID)
	if err != nil {
		return err
	}
	return c.enableCell(a, entry)
}

// DisableCloneCell suspends one clone cell by id. The clone declines zome
// calls and network requests but keeps its source chain.
func (c *Conductor) DisableCloneCell(cellID string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	_, entry, err := c.findClone(cellID)
	if err != nil {
		return err
	}

	if entry.node != nil {
		entry.node.Suspend()
	}
	entry.status = Disabled
	return nil
}

// DeleteCloneCell removes a disabled clone cell and stops its node. The
// clone must be disabled first.
func (c *Conductor) DeleteCloneCell(cellID string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	a, entry, err := c.findClone(cellID)
	if err != nil {
		return err
	}
	if entry.status == Enabled {
		return fmt.Errorf("clone cell %q must be disabled before deletion", cellID)
	}

	if entry.node != nil {
		entry.node.Shutdown()
	}
	delete(a.cells, cellID)

	c.logger.WithField("cell", cellID).Debug("conductor: clone cell deleted")
	return nil
}

// findClone resolves a clone cell id, refusing an app's base cell. Caller
// holds the lock.
func (c *Conductor) findClone(cellID string) (*app, *cellEntry, error) {
	a, entry, err := c.findCell(cellID)
	if err != nil {
		return nil, nil, err
	}
	if entry.cellID == a.id {
		return nil, nil, fmt.Errorf("cell %q is not a clone", cellID)
	}
	return a, entry, nil
}

// findCell resolves a cell id. Caller holds the lock.
func (c *Conductor) findCell(cellID string) (*app, *cellEntry, error) {
	for _, a := range c.apps {
		if entry, ok := a.cells[cellID]; ok {
			return a, entry, nil
		}
	}
	return nil, nil, ErrAppNotFound
}

// CallZome routes a zome call to a cell.
func (c *Conductor) CallZome(cellID, zome, fn string, payload []byte) ([]byte, error) {
	c.mtx.Lock()
	_, entry, err := c.findCell(cellID)
	if err != nil {
		c.mtx.Unlock()
		return nil, err
	}
	if entry.status != Enabled || entry.node == nil {
		c.mtx.Unlock()
		return nil, ErrCellDisabled
	}
	n := entry.node
	c.mtx.Unlock()

	return n.CallZome(zome, fn, payload)
}

// Cell returns the running node of a cell, for admin queries.
func (c *Conductor) Cell(cellID string) (*node.Node, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	_, entry, err := c.findCell(cellID)
	if err != nil {
		return nil, err
	}
	if entry.node == nil {
		return nil, ErrCellDisabled
	}
	return entry.node, nil
}

// ListApps returns the installed app ids, sorted.
func (c *Conductor) ListApps() []string {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	var ids []string
	for id := range c.apps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListCells returns the admin view of an app's cells, base cell first.
func (c *Conductor) ListCells(appID string) ([]CellInfo, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	a, ok := c.apps[appID]
	if !ok {
		return nil, ErrAppNotFound
	}

	var infos []CellInfo
	for _, entry := range a.cells {
		infos = append(infos, CellInfo{
			CellID: entry.cellID,
			AppID:  a.id,
			Def:    entry.def,
			Dna:    entry.def.Hash(),
			Status: entry.status,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CellID < infos[j].CellID
	})
	return infos, nil
}

// Shutdown stops every cell of every app.
func (c *Conductor) Shutdown() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.shutdown {
		return
	}
	c.shutdown = true

	for _, a := range c.apps {
		for _, entry := range a.cells {
			if entry.node != nil {
				entry.node.Shutdown()
			}
		}
	}

	c.logger.Debug("conductor: shutdown")
}
