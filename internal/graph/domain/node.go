// Package domain defines the organizational graph data model: a mapping from
// opaque string identifiers to polymorphic nodes covering the whole
// access-control and resource topology of one organization. Nodes are modeled
// as a closed set of concrete types behind the Node interface; consumers go
// through typed accessors on Graph, which fail fast on a type mismatch instead
// of relying on unchecked casts.
package domain

import "time"

// NodeType discriminates the concrete kind of a graph node.
type NodeType string

// All node types in the graph.
const (
	TypeOrg                NodeType = "org"
	TypeUser               NodeType = "orgUser"
	TypeDevice             NodeType = "device"
	TypeApp                NodeType = "app"
	TypeBlock              NodeType = "block"
	TypeEnvironment        NodeType = "environment"
	TypeServer             NodeType = "server"
	TypeLocalKey           NodeType = "localKey"
	TypeGeneratedEnvkey    NodeType = "generatedEnvkey"
	TypeAppBlock           NodeType = "appBlock"
	TypeAppGroupBlock      NodeType = "appGroupBlock"
	TypeAppBlockGroup      NodeType = "appBlockGroup"
	TypeAppGroupBlockGroup NodeType = "appGroupBlockGroup"
	TypeGroup              NodeType = "group"
	TypeGroupMembership    NodeType = "groupMembership"
	TypeAppUserGrant       NodeType = "appUserGrant"
	TypeAppUserGroupGrant  NodeType = "appUserGroupGrant"
)

// Node is implemented by every graph node type.
type Node interface {
	NodeType() NodeType
	NodeID() string
	Created() time.Time
	Updated() time.Time
	Deleted() *time.Time
}

// Meta carries the attributes common to every graph node. Concrete node types
// embed it; the Type field doubles as the JSON discriminant for persistence.
type Meta struct {
	Type      NodeType   `json:"type"`
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// NodeType returns the node's type discriminant.
func (m Meta) NodeType() NodeType { return m.Type }

// NodeID returns the node's opaque identifier.
func (m Meta) NodeID() string { return m.ID }

// Created returns the node's creation timestamp.
func (m Meta) Created() time.Time { return m.CreatedAt }

// Updated returns the node's last-update timestamp.
func (m Meta) Updated() time.Time { return m.UpdatedAt }

// Deleted returns the node's soft-delete marker, nil if the node is active.
func (m Meta) Deleted() *time.Time { return m.DeletedAt }

// Active reports whether the node carries no delete marker.
func (m Meta) Active() bool { return m.DeletedAt == nil }

// NewMeta builds node metadata for a freshly created node.
func NewMeta(t NodeType, id string, now time.Time) Meta {
	return Meta{Type: t, ID: id, CreatedAt: now, UpdatedAt: now}
}
