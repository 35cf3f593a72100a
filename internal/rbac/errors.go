package rbac

import "errors"

var (
	ErrNotFound            = errors.New("rbac: not found")
	ErrValidation          = errors.New("rbac: invalid input")
	ErrConflict            = errors.New("rbac: active membership already exists")
	ErrInvalidToken        = errors.New("rbac: invalid token")
	ErrAlreadyBootstrapped = errors.New("rbac: global admin already exists")
	ErrInvalidProof        = errors.New("rbac: invalid bootstrap proof")
	ErrNotConfigured       = errors.New("rbac: token signing is not configured")
)
