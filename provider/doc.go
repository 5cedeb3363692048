// Package provider defines the capability contract every backend
// handle (LLM client, code sandbox, MCP tool bridge, ...) must satisfy
// to be dispatched by the kernel, and the lifecycle manager that owns
// init/health/shutdown for every registered handle.
//
// Concrete providers are explicitly out of scope for this module;
// this package defines only the interface boundary and the manager
// that holds providers polymorphically. The kernel never downcasts a
// Provider.
package provider
