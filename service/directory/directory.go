// Package directory adapts the external user/project/status-page records the
// gateway consults during authentication and room authorization.
package directory

import "context"

const RoleAdmin = "admin"

type User struct {
	ID    string `json:"id" bson:"_id"`
	Email string `json:"email,omitempty" bson:"email,omitempty"`
	Name  string `json:"name,omitempty" bson:"name,omitempty"`
	Role  string `json:"role,omitempty" bson:"role,omitempty"`
}

func (u *User) IsAdmin() bool { return u != nil && u.Role == RoleAdmin }

type Project struct {
	ID        string `json:"id" bson:"_id"`
	OwnerID   string `json:"ownerId" bson:"owner_id"`
	IsPrivate bool   `json:"isPrivate" bson:"is_private"`
}

type StatusPage struct {
	ID        string `json:"id" bson:"_id"`
	Slug      string `json:"slug" bson:"slug"`
	OwnerID   string `json:"ownerId" bson:"owner_id"`
	IsPrivate bool   `json:"isPrivate" bson:"is_private"`
}

// A nil record with a nil error means not found.
type UserLookup interface {
	LookupUser(ctx context.Context, id string) (*User, error)
}

type ProjectLookup interface {
	LookupProject(ctx context.Context, id string) (*Project, error)
}

type StatusPageLookup interface {
	LookupStatusPageBySlug(ctx context.Context, slug string) (*StatusPage, error)
}

// Directory bundles the three lookups.
type Directory interface {
	UserLookup
	ProjectLookup
	StatusPageLookup
}

// CanManage reports whether u owns ownerID's resource or is an admin.
func CanManage(u *User, ownerID string) bool {
	if u == nil {
		return false
	}
	return u.ID == ownerID || u.IsAdmin()
}
