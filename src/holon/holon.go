// Package holon ties the configuration, key, stores, transports, conductor
// and HTTP service together into one runnable engine.
package holon

import (
	"crypto/ecdsa"
	"fmt"
	stdnet "net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/holonnet/holon/src/chain"
	"github.com/holonnet/holon/src/conductor"
	"github.com/holonnet/holon/src/config"
	"github.com/holonnet/holon/src/crypto/keys"
	"github.com/holonnet/holon/src/dht"
	"github.com/holonnet/holon/src/hashes"
	hnet "github.com/holonnet/holon/src/net"
	"github.com/holonnet/holon/src/service"
	"github.com/sirupsen/logrus"
)

// Holon is one agent's full runtime: a conductor plus the optional HTTP
// service.
type Holon struct {
	Config    *config.Config
	Conductor *conductor.Conductor
	Service   *service.Service

	// Signals, when set before Init, receives app signals instead of the
	// default debug logging.
	Signals conductor.SignalHandler

	mtx        sync.Mutex
	boundFirst bool
}

// NewHolon creates an uninitialized engine; call Init before Run.
func NewHolon(config *config.Config) *Holon {
	return &Holon{
		Config: config,
	}
}

func (h *Holon) initKey() error {
	if h.Config.Key == nil {
		keyfile := keys.NewSimpleKeyfile(h.Config.Keyfile())

		privKey, err := keyfile.ReadKey()
		if err != nil {
			h.Config.Logger().Warn("Cannot read private key from file", err)

			privKey, err = Keygen(h.Config.DataDir)
			if err != nil {
				h.Config.Logger().Error("Cannot generate a new private key", err)
				return err
			}

			h.Config.Logger().WithField(
				"agent", hashes.New(hashes.Agent, keys.FromPublicKey(&privKey.PublicKey)).Short(),
			).Info("Created a new key")
		}

		h.Config.Key = privKey
	}
	return nil
}

// transportFactory binds the first cell to the configured address and every
// further cell to an ephemeral port on the same host.
func (h *Holon) transportFactory() (hnet.Transport, error) {
	h.mtx.Lock()
	bind := h.Config.BindAddr
	advertise := h.Config.AdvertiseAddr
	if h.boundFirst {
		host, _, err := stdnet.SplitHostPort(bind)
		if err != nil {
			h.mtx.Unlock()
			return nil, err
		}
		bind = stdnet.JoinHostPort(host, "0")
		advertise = ""
	}
	h.boundFirst = true
	h.mtx.Unlock()

	return hnet.NewTCPTransport(
		bind,
		advertise,
		h.Config.MaxPool,
		h.Config.TCPTimeout,
		h.Config.Logger(),
	)
}

// storeFactory hands each cell its own stores: Badger under the database
// directory when persistence is on, in-memory otherwise.
func (h *Holon) storeFactory(dna hashes.Hash) (chain.Store, dht.Store, error) {
	if !h.Config.Store {
		h.Config.Logger().Debug("created new in-mem stores")
		return chain.NewInmemStore(), dht.NewInmemStore(), nil
	}

	dir := filepath.Join(h.Config.DatabaseDir, dna.String())

	h.Config.Logger().WithField("path", dir).Debug("Attempting to load or create database")

	chainStore, err := chain.NewBadgerStore(filepath.Join(dir, "chain"))
	if err != nil {
		return nil, nil, err
	}
	opStore, err := dht.NewBadgerStore(filepath.Join(dir, "ops"))
	if err != nil {
		chainStore.Close()
		return nil, nil, err
	}
	return chainStore, opStore, nil
}

func (h *Holon) initConductor() error {
	h.Conductor = conductor.NewConductor(
		conductor.Config{Node: h.Config.NodeConfig()},
		h.Config.Key,
		h.transportFactory,
		h.storeFactory,
		h.onSignal,
		h.Config.Logger(),
	)
	return nil
}

func (h *Holon) onSignal(cellID string, payload []byte) {
	if h.Signals != nil {
		h.Signals(cellID, payload)
		return
	}
	h.Config.Logger().WithFields(logrus.Fields{
		"cell":    cellID,
		"payload": len(payload),
	}).Debug("app signal")
}

func (h *Holon) initService() error {
	if !h.Config.NoService && h.Config.ServiceAddr != "" {
		h.Service = service.NewService(h.Config.ServiceAddr, h.Conductor, h.Config.Logger())
	}
	return nil
}

// Init reads the key and wires the conductor and service. It does not start
// any cell; install and enable apps through the Conductor.
func (h *Holon) Init() error {
	if err := h.initKey(); err != nil {
		return err
	}

	if err := h.initConductor(); err != nil {
		return err
	}

	if err := h.initService(); err != nil {
		return err
	}

	return nil
}

// Run serves the HTTP API and blocks until an interrupt, then shuts the
// conductor down.
func (h *Holon) Run() {
	if h.Service != nil {
		go h.Service.Serve()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	h.Config.Logger().Info("Shutting down")
	h.Conductor.Shutdown()
}

// Keygen generates a new key pair and saves the private key in the data
// directory. It refuses to overwrite an existing key.
func Keygen(datadir string) (*ecdsa.PrivateKey, error) {
	keyfile := keys.NewSimpleKeyfile(filepath.Join(datadir, config.DefaultKeyfile))

	if _, err := keyfile.ReadKey(); err == nil {
		return nil, fmt.Errorf("another key already lives under %s", datadir)
	}

	privKey, err := keys.GenerateKey()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(datadir, 0700); err != nil {
		return nil, err
	}

	if err := keyfile.WriteKey(privKey); err != nil {
		return nil, err
	}

	return privKey, nil
}
