package replication

import "github.com/google/uuid"

// IDProviderFunc adapts a function to IDProvider.
type IDProviderFunc func() (string, error)

func (f IDProviderFunc) NewID() (string, error) {
	return f()
}

// NewUUIDProvider issues time-ordered UUIDv7 incident ids.
func NewUUIDProvider() IDProvider {
	return IDProviderFunc(func() (string, error) {
		id, err := uuid.NewV7()
		if err != nil {
			return "", err
		}
		return id.String(), nil
	})
}
