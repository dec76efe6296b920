package action

import (
	"encoding/json"

	validation "github.com/jellydator/validation"

	apperrors "github.com/CyberFlameGO/envkey/internal/errors"
	graphDomain "github.com/CyberFlameGO/envkey/internal/graph/domain"
	appvalidation "github.com/CyberFlameGO/envkey/internal/validation"
)

// decodePayload unmarshals and validates an action payload.
func decodePayload[T any](raw json.RawMessage) (*T, error) {
	if len(raw) == 0 {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "missing action payload")
	}
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, err.Error())
	}
	if v, ok := any(&p).(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, appvalidation.WrapValidationError(err)
		}
	}
	return &p, nil
}

// CreateServerPayload creates a server bound to one environment.
type CreateServerPayload struct {
	EnvironmentID string `json:"environmentId"`
	Name          string `json:"name"`
}

func (p CreateServerPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.EnvironmentID, validation.Required, appvalidation.NotBlank),
		validation.Field(&p.Name, validation.Required, appvalidation.NotBlank),
	)
}

// CreateLocalKeyPayload creates a local key bound to the acting user+device.
type CreateLocalKeyPayload struct {
	EnvironmentID string `json:"environmentId"`
	Name          string `json:"name"`
}

func (p CreateLocalKeyPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.EnvironmentID, validation.Required, appvalidation.NotBlank),
		validation.Field(&p.Name, validation.Required, appvalidation.NotBlank),
	)
}

// DeleteServerPayload deletes a server, cascading to its credential.
type DeleteServerPayload struct {
	ServerID string `json:"serverId"`
}

func (p DeleteServerPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ServerID, validation.Required, appvalidation.NotBlank),
	)
}

// DeleteLocalKeyPayload deletes a local key, cascading to its credential.
type DeleteLocalKeyPayload struct {
	LocalKeyID string `json:"localKeyId"`
}

func (p DeleteLocalKeyPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.LocalKeyID, validation.Required, appvalidation.NotBlank),
	)
}

// GenerateKeyPayload issues a credential for a keyable parent.
type GenerateKeyPayload struct {
	KeyableParentID string `json:"keyableParentId"`
}

func (p GenerateKeyPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.KeyableParentID, validation.Required, appvalidation.NotBlank),
	)
}

// RegenerateKeyPayload rotates a keyable parent's credential.
type RegenerateKeyPayload struct {
	KeyableParentID string `json:"keyableParentId"`
}

func (p RegenerateKeyPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.KeyableParentID, validation.Required, appvalidation.NotBlank),
	)
}

// RevokeKeyPayload revokes an issued credential.
type RevokeKeyPayload struct {
	GeneratedEnvkeyID string `json:"generatedEnvkeyId"`
}

func (p RevokeKeyPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.GeneratedEnvkeyID, validation.Required, appvalidation.NotBlank),
	)
}

// GrantAppAccessPayload grants a user a role on an app, replacing any prior
// grant for the same pair.
type GrantAppAccessPayload struct {
	AppID  string `json:"appId"`
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

func (p GrantAppAccessPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.AppID, validation.Required, appvalidation.NotBlank),
		validation.Field(&p.UserID, validation.Required, appvalidation.NotBlank),
		validation.Field(&p.Role, validation.Required, appvalidation.NotBlank),
	)
}

// BlockConnection is one element of a bulk connect request. Exactly one of
// AppID/AppGroupID and one of BlockID/BlockGroupID must be set.
type BlockConnection struct {
	AppID        string `json:"appId,omitempty"`
	AppGroupID   string `json:"appGroupId,omitempty"`
	BlockID      string `json:"blockId,omitempty"`
	BlockGroupID string `json:"blockGroupId,omitempty"`
	OrderIndex   int    `json:"orderIndex,omitempty"`
}

// ConnectBlocksPayload connects blocks to apps in bulk. The whole request is
// all-or-nothing: one unauthorized or invalid element rejects every sibling.
type ConnectBlocksPayload struct {
	Connections []BlockConnection `json:"connections"`
}

func (p ConnectBlocksPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Connections, validation.Required, validation.Length(1, 0)),
	)
}

// connectionSide discriminates the app and block side of a connection target.
type connectionSide int

const (
	sideSingle connectionSide = iota
	sideGroup
)

// connectionTarget is the closed variant form of a BlockConnection, resolved
// once at the boundary and never re-inspected downstream.
type connectionTarget struct {
	appSide    connectionSide
	appID      string
	blockSide  connectionSide
	blockID    string
	orderIndex int
}

// resolveConnectionTarget maps payload field presence onto the closed variant
// space {app, appGroup} x {block, blockGroup}.
func resolveConnectionTarget(c BlockConnection) (connectionTarget, error) {
	t := connectionTarget{orderIndex: c.OrderIndex}

	switch {
	case c.AppID != "" && c.AppGroupID == "":
		t.appSide, t.appID = sideSingle, c.AppID
	case c.AppGroupID != "" && c.AppID == "":
		t.appSide, t.appID = sideGroup, c.AppGroupID
	default:
		return t, apperrors.Wrap(apperrors.ErrInvalidInput, "connection must name exactly one of appId or appGroupId")
	}

	switch {
	case c.BlockID != "" && c.BlockGroupID == "":
		t.blockSide, t.blockID = sideSingle, c.BlockID
	case c.BlockGroupID != "" && c.BlockID == "":
		t.blockSide, t.blockID = sideGroup, c.BlockGroupID
	default:
		return t, apperrors.Wrap(apperrors.ErrInvalidInput, "connection must name exactly one of blockId or blockGroupId")
	}

	return t, nil
}

// expandPairs resolves a target to the concrete app/block id pairs it covers.
func (t connectionTarget) expandPairs(g graphDomain.Graph) ([][2]string, error) {
	appIDs := []string{t.appID}
	if t.appSide == sideGroup {
		if err := requireGroup(g, t.appID, graphDomain.TypeApp); err != nil {
			return nil, err
		}
		appIDs = g.GroupMemberIDs(t.appID)
	}

	blockIDs := []string{t.blockID}
	if t.blockSide == sideGroup {
		if err := requireGroup(g, t.blockID, graphDomain.TypeBlock); err != nil {
			return nil, err
		}
		blockIDs = g.GroupMemberIDs(t.blockID)
	}

	var pairs [][2]string
	for _, appID := range appIDs {
		for _, blockID := range blockIDs {
			pairs = append(pairs, [2]string{appID, blockID})
		}
	}
	return pairs, nil
}

// requireGroup checks that id names an active group of the expected object type.
func requireGroup(g graphDomain.Graph, id string, objectType graphDomain.NodeType) error {
	group, err := g.Group(id)
	if err != nil {
		return err
	}
	if group.Deleted() != nil || group.ObjectType != objectType {
		return apperrors.Wrapf(apperrors.ErrInvalidState, "%s is not an active %s group", id, objectType)
	}
	return nil
}

// DisconnectBlockPayload removes one block/app connection node.
type DisconnectBlockPayload struct {
	ConnectionID string `json:"connectionId"`
}

func (p DisconnectBlockPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ConnectionID, validation.Required, appvalidation.NotBlank),
	)
}

// UnlockDevicePayload unlocks the device with its passphrase.
type UnlockDevicePayload struct {
	Passphrase string `json:"passphrase"`
}

func (p UnlockDevicePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Passphrase, validation.Required),
	)
}

// LoadRecoveryKeyPayload loads a keeper-sealed recovery key while locked.
type LoadRecoveryKeyPayload struct {
	EncryptedRecoveryKey string `json:"encryptedRecoveryKey"`
}

func (p LoadRecoveryKeyPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.EncryptedRecoveryKey, validation.Required, appvalidation.NotBlank),
	)
}
