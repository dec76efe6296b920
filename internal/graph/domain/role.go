package domain

// AppRole is the role a grant assigns on an app.
type AppRole string

// App roles, from most to least privileged.
const (
	AppRoleAdmin     AppRole = "admin"
	AppRoleDevOps    AppRole = "devops"
	AppRoleDeveloper AppRole = "developer"
	AppRoleViewer    AppRole = "viewer"
)

// Capability names a permission an app role grants.
type Capability string

// Capabilities checked by the authorization engine.
const (
	// CapManageKeyableParents permits creating and deleting servers.
	CapManageKeyableParents Capability = "manage_keyable_parents"
	// CapManageLocalKeys permits creating and deleting the actor's own local keys.
	CapManageLocalKeys Capability = "manage_local_keys"
	// CapGenerateEnvkeys permits issuing, rotating, and revoking credentials.
	CapGenerateEnvkeys Capability = "generate_envkeys"
	// CapManageEnvironments permits creating and deleting environments.
	CapManageEnvironments Capability = "manage_environments"
	// CapGrantAccess permits extending app access to other users or groups.
	CapGrantAccess Capability = "grant_access"
)

// appRoleCapabilities is the closed capability table. Built once at package
// init rather than registered dynamically, so the privilege model is visible
// in one place.
var appRoleCapabilities = map[AppRole]map[Capability]bool{
	AppRoleAdmin: {
		CapManageKeyableParents: true,
		CapManageLocalKeys:      true,
		CapGenerateEnvkeys:      true,
		CapManageEnvironments:   true,
		CapGrantAccess:          true,
	},
	AppRoleDevOps: {
		CapManageKeyableParents: true,
		CapManageLocalKeys:      true,
		CapGenerateEnvkeys:      true,
		CapManageEnvironments:   true,
	},
	AppRoleDeveloper: {
		CapManageLocalKeys: true,
		CapGenerateEnvkeys: true,
	},
	AppRoleViewer: {},
}

// HasCapability reports whether the role grants the capability.
func (r AppRole) HasCapability(c Capability) bool {
	return appRoleCapabilities[r][c]
}

// Valid reports whether the role is one of the closed set.
func (r AppRole) Valid() bool {
	_, ok := appRoleCapabilities[r]
	return ok
}

// StrongerThan reports whether the role outranks other. Used when a user
// reaches an app through several grants: the strongest one wins.
func (r AppRole) StrongerThan(other AppRole) bool {
	return roleRank(r) > roleRank(other)
}

func roleRank(r AppRole) int {
	switch r {
	case AppRoleAdmin:
		return 4
	case AppRoleDevOps:
		return 3
	case AppRoleDeveloper:
		return 2
	case AppRoleViewer:
		return 1
	default:
		return 0
	}
}
