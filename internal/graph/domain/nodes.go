package domain

// License holds the quota terms attached to an organization.
// MaxServerEnvkeys of -1 means unlimited.
type License struct {
	MaxServerEnvkeys int `json:"maxServerEnvkeys"`
}

// Org is the root tenant node. ServerEnvkeyCount mirrors the number of active
// generated envkeys whose keyable parent is a server; it is updated atomically
// with issuance and revocation and governs license-limit checks.
type Org struct {
	Meta
	Name              string  `json:"name"`
	License           License `json:"license"`
	ServerEnvkeyCount int     `json:"serverEnvkeyCount"`
}

// OrgRole is the organization-wide role of a user.
type OrgRole string

// Organization roles. Owners and admins reach every env-parent without
// explicit grants; basic users only reach what a grant or group gives them.
const (
	OrgRoleOwner OrgRole = "owner"
	OrgRoleAdmin OrgRole = "admin"
	OrgRoleBasic OrgRole = "basic"
)

// User is an organization member. Devices belong to exactly one user.
type User struct {
	Meta
	Email   string  `json:"email"`
	Name    string  `json:"name"`
	OrgRole OrgRole `json:"orgRole"`
}

// Device is a user-owned device holding its own asymmetric keypair. A device
// acts with its owning user's grants; CLI and service identities are
// device-bound actors.
type Device struct {
	Meta
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Pubkey string `json:"pubkey"`
}

// App is a resource container and env-parent.
type App struct {
	Meta
	Name     string `json:"name"`
	Archived bool   `json:"archived"`
}

// Block is a reusable resource container and env-parent. Blocks are connected
// to apps directly or through groups; connected apps inherit the block's
// environments.
type Block struct {
	Meta
	Name     string `json:"name"`
	Archived bool   `json:"archived"`
}

// Environment belongs to exactly one env-parent (app or block). A
// sub-environment references its parent environment and carries a sub-key;
// its composite id is "parentEnvironmentId:subKey".
type Environment struct {
	Meta
	EnvParentID         string `json:"envParentId"`
	Name                string `json:"name"`
	IsSub               bool   `json:"isSub,omitempty"`
	ParentEnvironmentID string `json:"parentEnvironmentId,omitempty"`
	SubKey              string `json:"subKey,omitempty"`
}

// CompositeID returns the composite identifier for sub-environments, or the
// node id for top-level environments.
func (e *Environment) CompositeID() string {
	if !e.IsSub {
		return e.ID
	}
	return e.ParentEnvironmentID + ":" + e.SubKey
}

// KeyableParent is implemented by the node types that may hold a decryption
// credential: servers and local keys.
type KeyableParent interface {
	Node
	KeyableEnvironmentID() string
	KeyableAppID() string
}

// Server is an automated consumer bound to one environment.
type Server struct {
	Meta
	AppID         string `json:"appId"`
	EnvironmentID string `json:"environmentId"`
	Name          string `json:"name"`
}

// KeyableEnvironmentID returns the environment the server's credential decrypts.
func (s *Server) KeyableEnvironmentID() string { return s.EnvironmentID }

// KeyableAppID returns the app the server belongs to.
func (s *Server) KeyableAppID() string { return s.AppID }

// LocalKey is a development credential holder bound to one environment and to
// a specific user and device.
type LocalKey struct {
	Meta
	AppID         string `json:"appId"`
	EnvironmentID string `json:"environmentId"`
	UserID        string `json:"userId"`
	DeviceID      string `json:"deviceId"`
	Name          string `json:"name"`
}

// KeyableEnvironmentID returns the environment the local key's credential decrypts.
func (l *LocalKey) KeyableEnvironmentID() string { return l.EnvironmentID }

// KeyableAppID returns the app the local key belongs to.
func (l *LocalKey) KeyableAppID() string { return l.AppID }

// GeneratedEnvkey is an issued, revocable decryption credential bound to one
// keyable parent. The full envkeyIdPart is never stored in a browsable form:
// lookups go through its hash, display uses the six-character short prefix,
// and a keeper-sealed copy is kept only so revocation can address the blob.
// Rotation always creates a new identity and retires the old one.
type GeneratedEnvkey struct {
	Meta
	KeyableParentID   string   `json:"keyableParentId"`
	KeyableParentType NodeType `json:"keyableParentType"`
	AppID             string   `json:"appId"`
	EnvironmentID     string   `json:"environmentId"`
	CreatorID         string   `json:"creatorId"`
	CreatorDeviceID   string   `json:"creatorDeviceId,omitempty"`
	SignedByID        string   `json:"signedById"`
	EnvkeyIDPartHash  string   `json:"envkeyIdPartHash"`
	EncryptedIDPart   string   `json:"encryptedIdPart"`
	EnvkeyShort       string   `json:"envkeyShort"`
	Pubkey            string   `json:"pubkey"`
	PubkeyID          string   `json:"pubkeyId"`
	EncryptedPrivkey  string   `json:"encryptedPrivkey"`
	SignedTrustedRoot string   `json:"signedTrustedRoot"`
}

// BlobKeyPrefix prefixes every envkey blob store key.
const BlobKeyPrefix = "envkey|"

// BlobKey returns the blob store key for an envkey id part.
func BlobKey(envkeyIDPart string) string { return BlobKeyPrefix + envkeyIDPart }

// AppBlock connects a block to an app. The connection is itself a graph node
// carrying an order index.
type AppBlock struct {
	Meta
	AppID      string `json:"appId"`
	BlockID    string `json:"blockId"`
	OrderIndex int    `json:"orderIndex"`
}

// AppGroupBlock connects a block to every app in an app group.
type AppGroupBlock struct {
	Meta
	AppGroupID string `json:"appGroupId"`
	BlockID    string `json:"blockId"`
	OrderIndex int    `json:"orderIndex"`
}

// AppBlockGroup connects every block in a block group to an app.
type AppBlockGroup struct {
	Meta
	AppID        string `json:"appId"`
	BlockGroupID string `json:"blockGroupId"`
	OrderIndex   int    `json:"orderIndex"`
}

// AppGroupBlockGroup connects every block in a block group to every app in an
// app group.
type AppGroupBlockGroup struct {
	Meta
	AppGroupID   string `json:"appGroupId"`
	BlockGroupID string `json:"blockGroupId"`
	OrderIndex   int    `json:"orderIndex"`
}

// Group collects nodes of one object type (apps, blocks, or users).
type Group struct {
	Meta
	ObjectType NodeType `json:"objectType"`
	Name       string   `json:"name"`
}

// GroupMembership places an object in a group.
type GroupMembership struct {
	Meta
	GroupID    string `json:"groupId"`
	ObjectID   string `json:"objectId"`
	OrderIndex int    `json:"orderIndex"`
}

// AppUserGrant gives a user a role on an app.
type AppUserGrant struct {
	Meta
	AppID  string  `json:"appId"`
	UserID string  `json:"userId"`
	Role   AppRole `json:"role"`
}

// AppUserGroupGrant gives every member of a user group a role on an app.
type AppUserGroupGrant struct {
	Meta
	AppID       string  `json:"appId"`
	UserGroupID string  `json:"userGroupId"`
	Role        AppRole `json:"role"`
}
