package protocol

import "strings"

// Schema is an opaque, JSON-compatible description of a method's
// input parameters or result shape. The kernel does not interpret
// Schema beyond storing and returning it; validating concrete
// parameter values against it is left to providers or an external
// loader.
type Schema map[string]any

// MethodSpec describes one verb exposed by a protocol.
type MethodSpec struct {
	Name   string
	Params Schema
	Result Schema
}

// ProtocolSpec is an immutable, versioned set of methods. Identifier
// is "<name>/<version>", for example "llm/v1".
type ProtocolSpec struct {
	Identifier string
	Methods    []MethodSpec
}

// MethodNames returns the set of fully-qualified method names this
// protocol exposes, e.g. "llm/generate" for protocol "llm/v1" and
// method "generate".
func (p *ProtocolSpec) MethodNames() []string {
	names := make([]string, 0, len(p.Methods))
	for _, m := range p.Methods {
		names = append(names, p.qualify(m.Name))
	}
	return names
}

// HasMethod reports whether verb is one of p's methods.
func (p *ProtocolSpec) HasMethod(verb string) bool {
	for _, m := range p.Methods {
		if m.Name == verb {
			return true
		}
	}
	return false
}

func (p *ProtocolSpec) qualify(verb string) string {
	return protocolName(p.Identifier) + "/" + verb
}

// protocolName strips the "/<version>" suffix from an identifier,
// yielding the bare protocol name used as a method prefix.
func protocolName(identifier string) string {
	idx := strings.LastIndex(identifier, "/")
	if idx < 0 {
		return identifier
	}
	return identifier[:idx]
}

// SplitMethod splits a fully-qualified method name "<protocol>/<verb>"
// into its protocol-name prefix and verb suffix. It returns false if
// method does not contain a "/".
func SplitMethod(method string) (protocolName, verb string, ok bool) {
	idx := strings.LastIndex(method, "/")
	if idx < 0 || idx == len(method)-1 {
		return "", "", false
	}
	return method[:idx], method[idx+1:], true
}
