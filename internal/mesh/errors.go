package mesh

import "errors"

var (
	// ErrNotFound reports an instance id that is absent from the store.
	ErrNotFound = errors.New("instance not found")

	// ErrServiceBindingChanged reports an upsert that tried to move an
	// existing instance id to a different service name. Changing the
	// binding requires deregister followed by register.
	ErrServiceBindingChanged = errors.New("instance is bound to a different service")
)
