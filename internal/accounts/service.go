package accounts

import (
	"github.com/playground-sh/playground/internal/models"
	"github.com/playground-sh/playground/internal/store"
)

// Service bundles the account-shaped collections: uniform id-plus-payload
// records, each under its own store namespace. The API layer is the main
// consumer; the session manager receives already-resolved users.
type Service struct {
	Users       *store.Collection[models.User]
	Roles       *store.Collection[models.Role]
	Profiles    *store.Collection[models.Profile]
	Preferences *store.Collection[models.Preference]
	Editors     *store.Collection[models.Editor]
}

func NewService(s *store.Store) *Service {
	return &Service{
		Users:       store.NewCollection[models.User](s, "users"),
		Roles:       store.NewCollection[models.Role](s, "roles"),
		Profiles:    store.NewCollection[models.Profile](s, "profiles"),
		Preferences: store.NewCollection[models.Preference](s, "preferences"),
		Editors:     store.NewCollection[models.Editor](s, "editors"),
	}
}
