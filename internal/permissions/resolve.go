package permissions

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

var ErrInvalidOverwrite = errors.New("permissions: invalid overwrite")

// Role is one guild role. The role whose id equals the guild id is the
// guild's "everyone" role and applies to every member.
type Role struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Position    int    `json:"position"`
	Permissions Bits   `json:"permissions"`
}

// Member is the subject of a resolution.
type Member struct {
	UserID  string   `json:"user_id"`
	RoleIDs []string `json:"roles"`
}

// TargetKind tags what an Overwrite applies to.
type TargetKind uint8

const (
	TargetRole TargetKind = iota + 1
	TargetMember
)

func (k TargetKind) String() string {
	switch k {
	case TargetRole:
		return "role"
	case TargetMember:
		return "member"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

func (k TargetKind) MarshalJSON() ([]byte, error) {
	switch k {
	case TargetRole, TargetMember:
		return json.Marshal(k.String())
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidOverwrite, uint8(k))
	}
}

func (k *TargetKind) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOverwrite, err)
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "role":
		*k = TargetRole
	case "member":
		*k = TargetMember
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidOverwrite, raw)
	}
	return nil
}

// Overwrite is a channel-scoped allow/deny pair for one role or one member.
type Overwrite struct {
	Kind     TargetKind `json:"type"`
	TargetID string     `json:"id"`
	Allow    Bits       `json:"allow"`
	Deny     Bits       `json:"deny"`
}

func RoleOverwrite(roleID string, allow, deny Bits) Overwrite {
	return Overwrite{Kind: TargetRole, TargetID: roleID, Allow: allow, Deny: deny}
}

func MemberOverwrite(userID string, allow, deny Bits) Overwrite {
	return Overwrite{Kind: TargetMember, TargetID: userID, Allow: allow, Deny: deny}
}

func (o Overwrite) Validate() error {
	if o.Kind != TargetRole && o.Kind != TargetMember {
		return fmt.Errorf("%w: kind %d", ErrInvalidOverwrite, uint8(o.Kind))
	}
	if strings.TrimSpace(o.TargetID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidOverwrite)
	}
	return nil
}

// Base returns the guild-level permissions of member: the everyone role
// unioned with every role the member holds. Role ids not present in roles
// are ignored.
func Base(guildID string, roles []Role, member Member) Bits {
	held := make(map[string]struct{}, len(member.RoleIDs))
	for _, id := range member.RoleIDs {
		held[id] = struct{}{}
	}
	var perms Bits
	for _, role := range roles {
		if role.ID == guildID {
			perms |= role.Permissions
			continue
		}
		if _, ok := held[role.ID]; ok {
			perms |= role.Permissions
		}
	}
	if perms.Has(Administrator) {
		return All
	}
	return perms
}

// Resolve returns member's effective permissions in a channel carrying
// overwrites.
//
// The everyone overwrite applies first, then the overwrites of roles the
// member holds in ascending role position, then the member's own
// overwrite. Roles sharing a position form one tier in which allow and
// deny are each unioned and deny wins for the same bit. A later tier
// always beats an earlier one. Administrators skip overwrites and resolve
// to All.
func Resolve(guildID string, roles []Role, member Member, overwrites []Overwrite) Bits {
	perms := Base(guildID, roles, member)
	if perms.Has(Administrator) {
		return All
	}

	position := make(map[string]int, len(roles))
	for _, role := range roles {
		position[role.ID] = role.Position
	}
	held := make(map[string]struct{}, len(member.RoleIDs))
	for _, id := range member.RoleIDs {
		if _, ok := position[id]; ok && id != guildID {
			held[id] = struct{}{}
		}
	}

	var everyone, memberTier tier
	var roleOverwrites []Overwrite
	for _, ow := range overwrites {
		switch ow.Kind {
		case TargetRole:
			if ow.TargetID == guildID {
				everyone.add(ow)
				continue
			}
			if _, ok := held[ow.TargetID]; ok {
				roleOverwrites = append(roleOverwrites, ow)
			}
		case TargetMember:
			if ow.TargetID == member.UserID {
				memberTier.add(ow)
			}
		}
	}
	slices.SortFunc(roleOverwrites, func(a, b Overwrite) int {
		return cmp.Compare(position[a.TargetID], position[b.TargetID])
	})

	perms = everyone.apply(perms)
	for i := 0; i < len(roleOverwrites); {
		var t tier
		at := position[roleOverwrites[i].TargetID]
		for ; i < len(roleOverwrites) && position[roleOverwrites[i].TargetID] == at; i++ {
			t.add(roleOverwrites[i])
		}
		perms = t.apply(perms)
	}
	return memberTier.apply(perms)
}

// CanView is shorthand for the visibility check used by channel-scoped
// dispatch.
func CanView(guildID string, roles []Role, member Member, overwrites []Overwrite) bool {
	return Resolve(guildID, roles, member, overwrites).Has(ViewChannel)
}

type tier struct {
	allow Bits
	deny  Bits
}

func (t *tier) add(ow Overwrite) {
	t.allow |= ow.Allow
	t.deny |= ow.Deny
}

func (t tier) apply(perms Bits) Bits {
	return (perms | t.allow) &^ t.deny
}
