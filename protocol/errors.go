package protocol

import "errors"

var (
	// ErrDuplicateProtocol is returned by Registry.RegisterProtocol when
	// a protocol with the same identifier is already registered.
	ErrDuplicateProtocol = errors.New("protocol already registered")

	// ErrProtocolUnknown is returned when a method references a
	// protocol name that has no registered ProtocolSpec.
	ErrProtocolUnknown = errors.New("unknown protocol")

	// ErrMethodNotSupported is returned by RegisterProvider when a
	// provider declares support for a method outside its protocol's
	// method set.
	ErrMethodNotSupported = errors.New("method not supported")

	// ErrNoProviderFound is returned by Resolve when the protocol and
	// method are known but no currently-registered provider can serve
	// it (all are unhealthy, or none declared the method).
	ErrNoProviderFound = errors.New("no provider found")

	// ErrInvalidMethod is returned when a method name does not have
	// the required "<protocol>/<verb>" form.
	ErrInvalidMethod = errors.New("invalid method name")
)
