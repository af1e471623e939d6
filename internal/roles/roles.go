package roles

import (
	"fmt"
	"strings"
)

// Permission is a bitset of the actions a member may perform in a chat.
type Permission uint8

const (
	Read Permission = 1 << iota
	Write
	EditChatInfo
	Attach
	ManageMembers
)

const All = Read | Write | EditChatInfo | Attach | ManageMembers

// DialogPermissions is what both parties of a dialog hold. Dialogs have no
// info to edit and no members to manage.
const DialogPermissions = Read | Write | Attach

type Role string

const (
	Regular   Role = "regular"
	Trusted   Role = "trusted"
	Moderator Role = "moderator"
	Listener  Role = "listener"
)

// Default is the role of a group member without a member info record.
const Default = Regular

var permissionTable = map[Role]Permission{
	Regular:   Read | Write | Attach,
	Trusted:   Read | Write | Attach | EditChatInfo,
	Moderator: All,
	Listener:  Read,
}

var permissionNames = []struct {
	bit  Permission
	name string
}{
	{Read, "read"},
	{Write, "write"},
	{EditChatInfo, "editChatInfo"},
	{Attach, "attach"},
	{ManageMembers, "manageMembers"},
}

func Parse(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := permissionTable[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

func (r Role) Valid() bool {
	_, ok := permissionTable[r]
	return ok
}

// Permissions returns the fixed bitset for r. Unknown roles hold nothing.
func (r Role) Permissions() Permission {
	return permissionTable[r]
}

func (p Permission) Has(required Permission) bool {
	return p&required == required
}

func (p Permission) Names() []string {
	names := make([]string, 0, len(permissionNames))
	for _, pn := range permissionNames {
		if p&pn.bit != 0 {
			names = append(names, pn.name)
		}
	}
	return names
}

// ParsePermissions accepts the names produced by Names.
func ParsePermissions(names []string) (Permission, error) {
	var p Permission
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		found := false
		for _, pn := range permissionNames {
			if strings.EqualFold(pn.name, name) {
				p |= pn.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown permission %q", raw)
		}
	}
	return p, nil
}
