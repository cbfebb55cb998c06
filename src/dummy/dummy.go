// Package dummy is a minimal chat application used for demos and tests. It
// doesn't do anything useful but post messages to a shared room and read them
// back, which exercises entries, links, validation and signals end to end.
package dummy

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/holonnet/holon/src/chain"
	"github.com/holonnet/holon/src/conductor"
	"github.com/holonnet/holon/src/hashes"
	"github.com/holonnet/holon/src/ribosome"
	"github.com/sirupsen/logrus"
)

// MaxMessageLen bounds the text of a chat message.
const MaxMessageLen = 1024

// Room is the well-known base every message is linked from.
var Room = hashes.New(hashes.External, []byte("dummy-chat-room"))

// AppDef returns the network definition the CLI installs the chat app under.
func AppDef() conductor.DnaDef {
	return conductor.DnaDef{Name: "dummy-chat"}
}

// DnaInfo returns the identity of the demo chat network.
func DnaInfo() ribosome.DnaInfo {
	return ribosome.DnaInfo{
		Hash: hashes.New(hashes.DNA, []byte("dummy-chat")),
		Name: "dummy-chat",
	}
}

// Message is the body of a "message" entry.
type Message struct {
	From   string `json:"from"`
	Text   string `json:"text"`
	SentAt int64  `json:"sent_at"`
}

// NewGuest builds the chat guest.
//
// Zome "chat" exposes:
//
//	send {"text": ...} -> action hash of the message
//	list {}            -> ordered list of Messages seen by this cell
func NewGuest(logger *logrus.Logger) *ribosome.InmemGuest {
	return ribosome.NewInmemGuest(logger).
		DefineEntry("message", chain.Public).
		OnValidate(validate).
		Register("chat", "send", send).
		Register("chat", "list", list)
}

func send(host ribosome.Host, payload []byte) ([]byte, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	msg.From = host.AgentHash().String()
	msg.SentAt = host.SysTime()

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	actionHash, err := host.Create(chain.NewAppEntry("message", body))
	if err != nil {
		return nil, err
	}
	if _, err := host.CreateLink(Room, actionHash, []byte("message")); err != nil {
		return nil, err
	}

	if err := host.EmitSignal(body); err != nil {
		return nil, err
	}

	return []byte(actionHash.String()), nil
}

func list(host ribosome.Host, payload []byte) ([]byte, error) {
	links, err := host.GetLinks(Room)
	if err != nil {
		return nil, err
	}

	var msgs []Message
	for _, link := range links {
		if link.Deleted {
			continue
		}
		record, err := host.Get(link.Target)
		if err != nil {
			// the message may not have reached this cell yet
			host.Trace(fmt.Sprintf("message %s not held locally", link.Target.Short()))
			continue
		}
		if record.Entry == nil {
			continue
		}
		var msg Message
		if err := json.Unmarshal(record.Entry.Body, &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}

	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].SentAt != msgs[j].SentAt {
			return msgs[i].SentAt < msgs[j].SentAt
		}
		return msgs[i].From < msgs[j].From
	})

	return json.Marshal(msgs)
}

func validate(host ribosome.DeterministicHost, op *ribosome.FlatOp) ribosome.Outcome {
	if op.Entry == nil || op.Entry.AppType != "message" {
		return ribosome.Valid()
	}

	var msg Message
	if err := json.Unmarshal(op.Entry.Body, &msg); err != nil {
		return ribosome.Invalid("message body is not valid json")
	}
	if msg.Text == "" {
		return ribosome.Invalid("empty message")
	}
	if len(msg.Text) > MaxMessageLen {
		return ribosome.Invalid("message too long")
	}
	return ribosome.Valid()
}
