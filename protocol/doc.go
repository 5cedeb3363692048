// Package protocol holds immutable protocol descriptors and the
// registry that binds running providers to them.
//
// A ProtocolSpec is identified by "<name>/<version>" (for example
// "llm/v1") and lists the methods it exposes; each method carries a
// parameter schema and a result schema. Protocols are registered once
// at kernel startup and are read-only thereafter.
//
// A provider is a running handle that implements one or more
// registered protocols. The Registry resolves a fully-qualified method
// name (e.g. "llm/generate") to the best provider currently able to
// serve it, tie-breaking on health, load, and registration order.
package protocol
