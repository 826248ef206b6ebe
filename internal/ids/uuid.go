package ids

import "github.com/google/uuid"

// Provider issues identifiers for persisted records.
type Provider interface {
	NewID() (string, error)
}

// ProviderFunc adapts a plain function to Provider.
type ProviderFunc func() (string, error)

// NewID calls the wrapped function.
func (f ProviderFunc) NewID() (string, error) {
	return f()
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers, which sort by creation time.
func NewUUIDProvider() Provider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
