package bridge

import (
	"encoding/json"

	"github.com/companion-dev/companion/pkg/types"
)

// Socket is a transport connection owned by the transport layer. The bridge
// holds a plain reference and only ever sends and requests a close; it never
// reads.
type Socket interface {
	Send(data []byte) error
	Close() error
}

// Adapter is a subprocess backend attached in place of the primary upstream.
// Deliver carries a browser-originated message in its original form;
// Disconnect is fire-and-forget.
type Adapter interface {
	Deliver(msg json.RawMessage) error
	Disconnect()
}

// Store receives persistence requests on every state-changing transition.
// Implementations are expected to debounce; the bridge emits unbounded save
// requests.
type Store interface {
	Save(p *types.PersistedSession)
	Remove(id string)
}
