// Package broadcast delivers committed graph changes to connected consumers.
// Devices subscribe per org and receive forward patches or full-reload hints;
// generated envkeys subscribe per credential and receive env-updated pings or
// a terminal closing frame when the credential is invalidated.
package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/CyberFlameGO/envkey/internal/authz"
	"github.com/CyberFlameGO/envkey/internal/diff"
)

// Message type frames sent over subscriber sockets.
const (
	MessageUpdate     = "update"
	MessageDiffs      = "diffs"
	MessageEnvUpdated = "env_updated"
	MessageClosing    = "closing"
)

// Message is one frame pushed to a subscriber.
type Message struct {
	Type  string           `json:"type"`
	Diffs []diff.Operation `json:"diffs,omitempty"`
}

// Socket is the transport a subscriber is reached over.
type Socket interface {
	SetWriteDeadline(t time.Time) error
	WriteJSON(v any) error
	Close() error
}

var _ Socket = (*websocket.Conn)(nil)

// Client is one registered subscriber. Writes are serialized per client so
// concurrent broadcasts never interleave frames on the same socket.
type Client struct {
	writeMu sync.Mutex
	sock    Socket

	orgID    string
	userID   string
	deviceID string
	envkeyID string
}

// send writes one frame under the client's write lock.
func (c *Client) send(msg Message, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		if err := c.sock.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	return c.sock.WriteJSON(msg)
}

// Hub is the broadcast fan-out. Safe for concurrent use. Delivery is
// best-effort: a failed write drops the subscriber, it never blocks or fails
// the originating action.
type Hub struct {
	mu      sync.Mutex
	devices map[string]map[*Client]struct{}
	envkeys map[string]map[*Client]struct{}
	closed  bool

	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewHub creates an empty hub. A zero writeTimeout disables write deadlines.
func NewHub(writeTimeout time.Duration, logger *slog.Logger) *Hub {
	return &Hub{
		devices:      make(map[string]map[*Client]struct{}),
		envkeys:      make(map[string]map[*Client]struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// RegisterDevice subscribes a device socket to its org's change feed. The
// returned client is detached with Unregister, typically when the read pump
// of the connection ends.
func (h *Hub) RegisterDevice(orgID, userID, deviceID string, sock Socket) *Client {
	c := &Client{sock: sock, orgID: orgID, userID: userID, deviceID: deviceID}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		_ = sock.Close()
		return c
	}
	if h.devices[orgID] == nil {
		h.devices[orgID] = make(map[*Client]struct{})
	}
	h.devices[orgID][c] = struct{}{}
	return c
}

// RegisterEnvkey subscribes a credential socket to its invalidation and
// env-updated feed.
func (h *Hub) RegisterEnvkey(envkeyID string, sock Socket) *Client {
	c := &Client{sock: sock, envkeyID: envkeyID}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		_ = sock.Close()
		return c
	}
	if h.envkeys[envkeyID] == nil {
		h.envkeys[envkeyID] = make(map[*Client]struct{})
	}
	h.envkeys[envkeyID][c] = struct{}{}
	return c
}

// Unregister detaches a client and closes its socket.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	h.detachLocked(c)
	h.mu.Unlock()
	_ = c.sock.Close()
}

// detachLocked removes a client from its index. Caller holds mu.
func (h *Hub) detachLocked(c *Client) {
	if c.envkeyID != "" {
		if set, ok := h.envkeys[c.envkeyID]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.envkeys, c.envkeyID)
			}
		}
		return
	}
	if set, ok := h.devices[c.orgID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.devices, c.orgID)
		}
	}
}

// PublishDiffs pushes a forward patch to every in-scope device of the org.
func (h *Hub) PublishDiffs(orgID string, userIDs authz.IDSet, diffs []diff.Operation) {
	h.publishToDevices(orgID, userIDs, Message{Type: MessageDiffs, Diffs: diffs})
}

// PublishUpdate tells in-scope devices to refetch full state.
func (h *Hub) PublishUpdate(orgID string, userIDs authz.IDSet) {
	h.publishToDevices(orgID, userIDs, Message{Type: MessageUpdate})
}

func (h *Hub) publishToDevices(orgID string, userIDs authz.IDSet, msg Message) {
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.devices[orgID]))
	for c := range h.devices[orgID] {
		if userIDs.Contains(c.userID) {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		h.deliver(c, msg)
	}
}

// PublishEnvUpdated pings credential subscribers whose environment content
// may have changed.
func (h *Hub) PublishEnvUpdated(envkeyIDs []string) {
	for _, c := range h.envkeyClients(envkeyIDs) {
		h.deliver(c, Message{Type: MessageEnvUpdated})
	}
}

// InvalidateEnvkeys sends a terminal closing frame to revoked credential
// subscribers and drops their connections. A consumer polling a closed socket
// learns its credential is gone without any further fetch.
func (h *Hub) InvalidateEnvkeys(envkeyIDs []string) {
	for _, c := range h.envkeyClients(envkeyIDs) {
		_ = c.send(Message{Type: MessageClosing}, h.writeTimeout)
		h.Unregister(c)
	}
}

func (h *Hub) envkeyClients(envkeyIDs []string) []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	var targets []*Client
	for _, id := range envkeyIDs {
		for c := range h.envkeys[id] {
			targets = append(targets, c)
		}
	}
	return targets
}

// deliver writes one frame, dropping the subscriber on failure.
func (h *Hub) deliver(c *Client, msg Message) {
	if err := c.send(msg, h.writeTimeout); err != nil {
		if h.logger != nil {
			h.logger.Warn("dropping subscriber after write failure",
				slog.String("org_id", c.orgID),
				slog.String("envkey_id", c.envkeyID),
				slog.Any("error", err),
			)
		}
		h.Unregister(c)
	}
}

// Shutdown sends a closing frame to every subscriber and closes all sockets.
// Further registrations are closed immediately.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	var targets []*Client
	for _, set := range h.devices {
		for c := range set {
			targets = append(targets, c)
		}
	}
	for _, set := range h.envkeys {
		for c := range set {
			targets = append(targets, c)
		}
	}
	h.devices = make(map[string]map[*Client]struct{})
	h.envkeys = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range targets {
		_ = c.send(Message{Type: MessageClosing}, h.writeTimeout)
		_ = c.sock.Close()
	}
}

// DeviceCount reports the registered device subscribers of an org.
func (h *Hub) DeviceCount(orgID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.devices[orgID])
}

// EnvkeyCount reports the registered subscribers of a credential.
func (h *Hub) EnvkeyCount(envkeyID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.envkeys[envkeyID])
}
