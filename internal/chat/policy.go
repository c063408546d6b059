package chat

// Action names a guarded membership mutation.
type Action string

const (
	ActionInvite            Action = "invite"
	ActionRemoveMember      Action = "remove_member"
	ActionRemoveAdmin       Action = "remove_admin"
	ActionSetRole           Action = "set_role"
	ActionDemoteAdmin       Action = "demote_admin"
	ActionTransferOwnership Action = "transfer_ownership"
	ActionUpdateInfo        Action = "update_info"
)

var rolePermissions = map[Role]map[Action]bool{
	RoleOwner: {
		ActionInvite:            true,
		ActionRemoveMember:      true,
		ActionRemoveAdmin:       true,
		ActionSetRole:           true,
		ActionDemoteAdmin:       true,
		ActionTransferOwnership: true,
		ActionUpdateInfo:        true,
	},
	RoleAdmin: {
		ActionInvite:       true,
		ActionRemoveMember: true,
		ActionSetRole:      true,
		ActionUpdateInfo:   true,
	},
	RoleMember: {
		ActionInvite: true,
	},
}

// Authorize reports whether role may perform action.
func Authorize(role Role, action Action) bool {
	return rolePermissions[role][action]
}
