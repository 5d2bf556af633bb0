package auth

import "context"

const AnonymousName = "Anonymous"

// Identity is the read-only view of a user the gateway and token service need.
type Identity struct {
	ID                uint
	Username          string
	CredentialVersion uint
}

// Anonymous is attached to connections whose credential is missing or unusable.
var Anonymous = Identity{Username: AnonymousName}

func (i Identity) IsAnonymous() bool { return i.ID == 0 }

// DisplayName returns the name shown to other room members.
func (i Identity) DisplayName() string {
	if i.IsAnonymous() || i.Username == "" {
		return AnonymousName
	}
	return i.Username
}

// IdentityLookup resolves a subject id to an Identity, returning
// ErrIdentityNotFound when the directory has no such user.
type IdentityLookup interface {
	FindIdentityByID(ctx context.Context, id uint) (Identity, error)
}
