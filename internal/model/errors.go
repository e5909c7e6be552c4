package model

import "github.com/pkg/errors"

var (
	ErrNodeNotFound             = errors.New("node not found")
	ErrNodeAlreadyExists        = errors.New("node already exists")
	ErrNodeRequestNotFound      = errors.New("node request not found")
	ErrNodeRequestExists        = errors.New("node request with session already exists")
	ErrHardwareProfileNotFound  = errors.New("hardware profile not found")
	ErrSoftwareProfileNotFound  = errors.New("software profile not found")
	ErrProfileMappingNotAllowed = errors.New("profile mapping not allowed")
	ErrInvalidArgument          = errors.New("invalid argument")
	ErrOperationFailed          = errors.New("operation failed")

	// ErrResourceAdapterNotFound is returned when a hardware profile has no resource adapter configured.
	ErrResourceAdapterNotFound = errors.New("resource adapter not defined for hardware profile")

	// ErrResourceNotFound is returned when no resource adapter is registered under the requested name.
	ErrResourceNotFound = errors.New("resource adapter not found")

	// ErrSessionRunning is returned when a session is already being processed by a worker.
	ErrSessionRunning  = errors.New("session is already running")
	ErrSessionNotFound = errors.New("session not found")
)
