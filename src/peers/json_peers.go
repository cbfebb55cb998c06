package peers

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"path/filepath"
	"sync"
)

const jsonPeerPath = "peers.json"

// JSONPeers persists agent-info records as a JSON file on disk. The file
// doubles as the bootstrap list: operators can hand-edit it to seed a node
// with known peers.
type JSONPeers struct {
	l    sync.Mutex
	path string
}

// NewJSONPeers creates a JSON peer file under base.
func NewJSONPeers(base string) *JSONPeers {
	return &JSONPeers{
		path: filepath.Join(base, jsonPeerPath),
	}
}

// Load reads the agent-info records from the file.
func (j *JSONPeers) Load() ([]*AgentInfo, error) {
	j.l.Lock()
	defer j.l.Unlock()

	buf, err := ioutil.ReadFile(j.path)
	if err != nil {
		return nil, err
	}

	if len(buf) == 0 {
		return nil, nil
	}

	var infos []*AgentInfo
	dec := json.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&infos); err != nil {
		return nil, err
	}

	return infos, nil
}

// Save writes the agent-info records out as JSON.
func (j *JSONPeers) Save(infos []*AgentInfo) error {
	j.l.Lock()
	defer j.l.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "\t")
	if err := enc.Encode(infos); err != nil {
		return err
	}

	return ioutil.WriteFile(j.path, buf.Bytes(), 0644)
}
