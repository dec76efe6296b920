package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Graph is one organization's entire topology, keyed by node id. Graph values
// are treated as immutable: producers derive a new Graph from the previous one
// with With/Without and never mutate nodes in place, so concurrent readers
// always observe a complete, consistent snapshot. Iteration order is
// irrelevant except where a node carries an explicit order index.
type Graph map[string]Node

// NewGraph builds a graph from the given nodes.
func NewGraph(nodes ...Node) Graph {
	g := make(Graph, len(nodes))
	for _, n := range nodes {
		g[n.NodeID()] = n
	}
	return g
}

// Clone returns a shallow copy of the graph. Node values are shared; callers
// copy a node's struct before modifying it.
func (g Graph) Clone() Graph {
	next := make(Graph, len(g))
	for id, n := range g {
		next[id] = n
	}
	return next
}

// With returns a new graph containing every node of g plus the given nodes,
// replacing any existing node with the same id.
func (g Graph) With(nodes ...Node) Graph {
	next := g.Clone()
	for _, n := range nodes {
		next[n.NodeID()] = n
	}
	return next
}

// Without returns a new graph with the given node ids removed.
func (g Graph) Without(ids ...string) Graph {
	next := g.Clone()
	for _, id := range ids {
		delete(next, id)
	}
	return next
}

// Get returns the node with the given id, if present.
func (g Graph) Get(id string) (Node, bool) {
	n, ok := g[id]
	return n, ok
}

// nodeAs resolves id to a node of the concrete type T, failing fast with
// ErrNodeNotFound or ErrWrongNodeType.
func nodeAs[T Node](g Graph, id string) (T, error) {
	var zero T
	n, ok := g[id]
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	t, ok := n.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %s", ErrWrongNodeType, id, n.NodeType())
	}
	return t, nil
}

// Org returns the org node with the given id.
func (g Graph) Org(id string) (*Org, error) { return nodeAs[*Org](g, id) }

// User returns the user node with the given id.
func (g Graph) User(id string) (*User, error) { return nodeAs[*User](g, id) }

// Device returns the device node with the given id.
func (g Graph) Device(id string) (*Device, error) { return nodeAs[*Device](g, id) }

// App returns the app node with the given id.
func (g Graph) App(id string) (*App, error) { return nodeAs[*App](g, id) }

// Block returns the block node with the given id.
func (g Graph) Block(id string) (*Block, error) { return nodeAs[*Block](g, id) }

// Environment returns the environment node with the given id.
func (g Graph) Environment(id string) (*Environment, error) { return nodeAs[*Environment](g, id) }

// Server returns the server node with the given id.
func (g Graph) Server(id string) (*Server, error) { return nodeAs[*Server](g, id) }

// LocalKey returns the local key node with the given id.
func (g Graph) LocalKey(id string) (*LocalKey, error) { return nodeAs[*LocalKey](g, id) }

// GeneratedEnvkey returns the generated envkey node with the given id.
func (g Graph) GeneratedEnvkey(id string) (*GeneratedEnvkey, error) {
	return nodeAs[*GeneratedEnvkey](g, id)
}

// Group returns the group node with the given id.
func (g Graph) Group(id string) (*Group, error) { return nodeAs[*Group](g, id) }

// KeyableParent resolves id to a server or local key.
func (g Graph) KeyableParent(id string) (KeyableParent, error) {
	return nodeAs[KeyableParent](g, id)
}

// EnvParent resolves id to an app or block and reports whether it is archived.
func (g Graph) EnvParent(id string) (Node, bool, error) {
	n, ok := g[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	switch p := n.(type) {
	case *App:
		return p, p.Archived, nil
	case *Block:
		return p, p.Archived, nil
	default:
		return nil, false, fmt.Errorf("%w: %s is %s, not an env-parent", ErrWrongNodeType, id, n.NodeType())
	}
}

// NodesOfType returns every active node of the concrete type T, ordered by id
// for deterministic output.
func NodesOfType[T Node](g Graph) []T {
	var out []T
	for _, n := range g {
		if t, ok := n.(T); ok && n.Deleted() == nil {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID() < out[j].NodeID() })
	return out
}

// ActiveEnvkeyForParent returns the single active generated envkey bound to
// the keyable parent, or nil. The single-active-credential invariant means at
// most one can exist.
func (g Graph) ActiveEnvkeyForParent(keyableParentID string) *GeneratedEnvkey {
	for _, k := range NodesOfType[*GeneratedEnvkey](g) {
		if k.KeyableParentID == keyableParentID {
			return k
		}
	}
	return nil
}

// ActiveServerEnvkeyCount counts active generated envkeys whose keyable parent
// is a server. The org counter must always equal this derivation.
func (g Graph) ActiveServerEnvkeyCount() int {
	count := 0
	for _, k := range NodesOfType[*GeneratedEnvkey](g) {
		if k.KeyableParentType == TypeServer {
			count++
		}
	}
	return count
}

// ConnectedBlockIDs returns the ids of blocks connected to the app, directly
// or through app-groups and block-groups, ordered by connection order index.
func (g Graph) ConnectedBlockIDs(appID string) []string {
	type orderedBlock struct {
		blockID string
		order   int
	}
	var found []orderedBlock
	seen := map[string]bool{}
	add := func(blockID string, order int) {
		if blockID == "" || seen[blockID] {
			return
		}
		seen[blockID] = true
		found = append(found, orderedBlock{blockID, order})
	}

	appGroupIDs := g.groupIDsForObject(appID)

	for _, c := range NodesOfType[*AppBlock](g) {
		if c.AppID == appID {
			add(c.BlockID, c.OrderIndex)
		}
	}
	for _, c := range NodesOfType[*AppGroupBlock](g) {
		if appGroupIDs[c.AppGroupID] {
			add(c.BlockID, c.OrderIndex)
		}
	}
	for _, c := range NodesOfType[*AppBlockGroup](g) {
		if c.AppID == appID {
			for _, blockID := range g.groupMemberIDs(c.BlockGroupID) {
				add(blockID, c.OrderIndex)
			}
		}
	}
	for _, c := range NodesOfType[*AppGroupBlockGroup](g) {
		if appGroupIDs[c.AppGroupID] {
			for _, blockID := range g.groupMemberIDs(c.BlockGroupID) {
				add(blockID, c.OrderIndex)
			}
		}
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].order < found[j].order })
	out := make([]string, len(found))
	for i, b := range found {
		out[i] = b.blockID
	}
	return out
}

// groupIDsForObject returns the set of group ids the object belongs to.
func (g Graph) groupIDsForObject(objectID string) map[string]bool {
	out := map[string]bool{}
	for _, m := range NodesOfType[*GroupMembership](g) {
		if m.ObjectID == objectID {
			out[m.GroupID] = true
		}
	}
	return out
}

// groupMemberIDs returns the member object ids of a group in order-index order.
func (g Graph) groupMemberIDs(groupID string) []string {
	var members []*GroupMembership
	for _, m := range NodesOfType[*GroupMembership](g) {
		if m.GroupID == groupID {
			members = append(members, m)
		}
	}
	sort.SliceStable(members, func(i, j int) bool { return members[i].OrderIndex < members[j].OrderIndex })
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.ObjectID
	}
	return out
}

// GroupMemberIDs is the exported form of groupMemberIDs.
func (g Graph) GroupMemberIDs(groupID string) []string { return g.groupMemberIDs(groupID) }

// GroupIDsForObject is the exported form of groupIDsForObject.
func (g Graph) GroupIDsForObject(objectID string) map[string]bool {
	return g.groupIDsForObject(objectID)
}

// MarshalJSON serializes the graph as an id-to-node object. Node values embed
// their type discriminant, so the result round-trips through UnmarshalJSON.
func (g Graph) MarshalJSON() ([]byte, error) {
	raw := make(map[string]Node, len(g))
	for id, n := range g {
		raw[id] = n
	}
	return json.Marshal(raw)
}

// UnmarshalJSON rebuilds a graph from its serialized form, dispatching each
// node payload on its type discriminant.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	next := make(Graph, len(raw))
	for id, payload := range raw {
		n, err := UnmarshalNode(payload)
		if err != nil {
			return err
		}
		next[id] = n
	}
	*g = next
	return nil
}

// UnmarshalNode decodes one node payload by its type discriminant. Payloads
// with an unknown discriminant fail fast instead of round-tripping as untyped
// data.
func UnmarshalNode(payload []byte) (Node, error) {
	var head struct {
		Type NodeType `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, err
	}

	var n Node
	switch head.Type {
	case TypeOrg:
		n = &Org{}
	case TypeUser:
		n = &User{}
	case TypeDevice:
		n = &Device{}
	case TypeApp:
		n = &App{}
	case TypeBlock:
		n = &Block{}
	case TypeEnvironment:
		n = &Environment{}
	case TypeServer:
		n = &Server{}
	case TypeLocalKey:
		n = &LocalKey{}
	case TypeGeneratedEnvkey:
		n = &GeneratedEnvkey{}
	case TypeAppBlock:
		n = &AppBlock{}
	case TypeAppGroupBlock:
		n = &AppGroupBlock{}
	case TypeAppBlockGroup:
		n = &AppBlockGroup{}
	case TypeAppGroupBlockGroup:
		n = &AppGroupBlockGroup{}
	case TypeGroup:
		n = &Group{}
	case TypeGroupMembership:
		n = &GroupMembership{}
	case TypeAppUserGrant:
		n = &AppUserGrant{}
	case TypeAppUserGroupGrant:
		n = &AppUserGroupGrant{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, head.Type)
	}

	if err := json.Unmarshal(payload, n); err != nil {
		return nil, err
	}
	return n, nil
}

// Touch returns a copy of the metadata with an updated timestamp. Handlers use
// it when replacing a node value.
func (m Meta) Touch(now time.Time) Meta {
	m.UpdatedAt = now
	return m
}
