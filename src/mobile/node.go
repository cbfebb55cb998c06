// Package mobile wraps a conductor behind the flat API surface that gomobile
// can bind. It runs the demo chat app; the handler interfaces carry signals
// and errors back to the mobile side.
package mobile

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/holonnet/holon/src/config"
	"github.com/holonnet/holon/src/crypto/keys"
	"github.com/holonnet/holon/src/dummy"
	"github.com/holonnet/holon/src/holon"
	"github.com/sirupsen/logrus"
)

// Node is a running conductor with the chat app enabled.
type Node struct {
	engine *holon.Holon
	logger *logrus.Entry
}

// New initializes a Node. privKey is the hex dump of the agent's private key.
// It returns nil after reporting to the exception handler when anything in
// the bootstrap fails.
func New(privKey string,
	bindAddr string,
	signalHandler SignalHandler,
	exceptionHandler ExceptionHandler,
	mobileConfig *MobileConfig) *Node {

	if mobileConfig == nil {
		mobileConfig = DefaultMobileConfig()
	}

	conf := config.NewDefaultConfig()
	conf.BindAddr = bindAddr
	conf.NoService = true
	conf.MaxPool = mobileConfig.MaxPool
	conf.TCPTimeout = time.Duration(mobileConfig.TCPTimeout) * time.Millisecond
	conf.GossipInterval = time.Duration(mobileConfig.GossipInterval) * time.Millisecond
	conf.TargetRedundancy = mobileConfig.Redundancy
	conf.Store = mobileConfig.StoreType == "badger"
	if mobileConfig.StorePath != "" {
		conf.SetDataDir(mobileConfig.StorePath)
	}

	keyBytes, err := hex.DecodeString(privKey)
	if err != nil {
		exceptionHandler.OnException(fmt.Sprintf("Failed to decode private key: %s", err))
		return nil
	}
	key, err := keys.ParsePrivateKey(keyBytes)
	if err != nil {
		exceptionHandler.OnException(fmt.Sprintf("Failed to parse private key: %s", err))
		return nil
	}
	conf.Key = key

	engine := holon.NewHolon(conf)
	if signalHandler != nil {
		engine.Signals = signalHandler.OnSignal
	}

	if err := engine.Init(); err != nil {
		exceptionHandler.OnException(fmt.Sprintf("Cannot initialize engine: %s", err))
		return nil
	}

	if err := engine.Conductor.InstallApp("chat", dummy.AppDef(), dummy.NewGuest(nil), nil); err != nil {
		exceptionHandler.OnException(fmt.Sprintf("Cannot install app: %s", err))
		return nil
	}
	if err := engine.Conductor.EnableApp("chat"); err != nil {
		exceptionHandler.OnException(fmt.Sprintf("Cannot enable app: %s", err))
		return nil
	}

	return &Node{
		engine: engine,
		logger: conf.Logger(),
	}
}

// AgentHash returns the agent hash this node authors under.
func (n *Node) AgentHash() string {
	return n.engine.Conductor.Agent().String()
}

// Send posts a chat message and returns the action hash of the commit.
func (n *Node) Send(text string) (string, error) {
	payload, err := json.Marshal(dummy.Message{Text: text})
	if err != nil {
		return "", err
	}
	res, err := n.engine.Conductor.CallZome("chat", "chat", "send", payload)
	if err != nil {
		return "", err
	}
	return string(res), nil
}

// Messages returns the JSON list of messages this cell has seen.
func (n *Node) Messages() ([]byte, error) {
	return n.engine.Conductor.CallZome("chat", "chat", "list", nil)
}

// Call routes an arbitrary zome call, for apps that install more than the
// chat zome.
func (n *Node) Call(cellID string, zome string, fn string, payload []byte) ([]byte, error) {
	return n.engine.Conductor.CallZome(cellID, zome, fn, payload)
}

// Shutdown stops every cell.
func (n *Node) Shutdown() {
	n.engine.Conductor.Shutdown()
}
