package room

import (
	"k8s.io/utils/set"

	"github.com/coedit-live/coedit/backend/go/internal/v1/types"
)

// Permission names one action a role may or may not take inside a room.
type Permission string

const (
	PermEditDocuments   Permission = "edit_documents"
	PermCreateDocuments Permission = "create_documents"
	PermSendCursor      Permission = "send_cursor"
	PermViewDocuments   Permission = "view_documents"
	PermManageRoom      Permission = "manage_room"
	PermDeleteRoom      Permission = "delete_room"
)

// rolePermissions is the role lattice: owner ⊃ editor ⊃ viewer. Viewers may
// move their cursor but never author operations.
var rolePermissions = map[types.RoleType]set.Set[Permission]{
	types.RoleTypeOwner: set.New(
		PermEditDocuments, PermCreateDocuments, PermSendCursor,
		PermViewDocuments, PermManageRoom, PermDeleteRoom,
	),
	types.RoleTypeEditor: set.New(
		PermEditDocuments, PermCreateDocuments, PermSendCursor, PermViewDocuments,
	),
	types.RoleTypeViewer: set.New(
		PermSendCursor, PermViewDocuments,
	),
}

// HasPermission reports whether a role grants a permission. Unknown roles
// grant nothing.
func HasPermission(role types.RoleType, perm Permission) bool {
	perms, ok := rolePermissions[role]
	return ok && perms.Has(perm)
}
