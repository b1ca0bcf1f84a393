// Package environ derives, once at startup, everything needed to address the
// host: whether a host identity is present, the process identifier to present,
// and the HTTP and websocket endpoints. It performs no I/O.
package environ

import "strings"

// DefaultNodeURL is used when no development override is configured.
const DefaultNodeURL = "http://localhost:8080"

// Build holds the build-time configuration.
type Build struct {
	BasePath string // path the app is served under, e.g. "/jeeves:jeeves:template.os/"
	NodeURL  string // development endpoint override; empty means none
	Dev      bool   // development build
}

// Identity is the host-supplied pair. Absence is a normal state that means
// the app is not running inside its host.
type Identity struct {
	Node    string
	Process string
}

// Present reports whether both fields were supplied.
func (id Identity) Present() bool {
	return id.Node != "" && id.Process != ""
}

// Missing names the absent fields for diagnostics, or "" when present.
func (id Identity) Missing() string {
	switch {
	case id.Node == "" && id.Process == "":
		return "node and process"
	case id.Node == "":
		return "node"
	case id.Process == "":
		return "process"
	}
	return ""
}

// Resolved is the output of Resolve.
type Resolved struct {
	BasePath string
	Identity Identity
	Endpoint string // HTTP endpoint
	// WSEndpoint is only set in development builds; in production the
	// channel derives a default from the origin.
	WSEndpoint string
}

// ResolveBasePath returns the configured base path, or "/" when unset.
func ResolveBasePath(b Build) string {
	if b.BasePath == "" {
		return "/"
	}
	return b.BasePath
}

// ProcessID strips a single leading separator from the base path.
// Any trailing separator is kept.
func ProcessID(basePath string) string {
	return strings.TrimPrefix(basePath, "/")
}

// ResolveEndpoint concatenates the override, or DefaultNodeURL, with the base
// path. The result is not validated; bad configuration shows up on dial.
func ResolveEndpoint(devOverride, basePath string) string {
	if devOverride != "" {
		return devOverride + basePath
	}
	return DefaultNodeURL + basePath
}

// ToWebSocketEndpoint rewrites the first "http" in endpoint to "ws" in
// development builds. Production builds get ("", false).
func ToWebSocketEndpoint(endpoint string, dev bool) (string, bool) {
	if !dev {
		return "", false
	}
	return strings.Replace(endpoint, "http", "ws", 1), true
}

// Resolve computes every derived value once. When the host supplied a node
// and the base path names a process, that process id replaces the supplied
// one. A bare "/" base path keeps the supplied process.
func Resolve(b Build, host Identity) Resolved {
	basePath := ResolveBasePath(b)
	id := host
	if derived := ProcessID(basePath); id.Node != "" && derived != "" {
		id.Process = derived
	}

	endpoint := ResolveEndpoint(b.NodeURL, basePath)
	ws, _ := ToWebSocketEndpoint(endpoint, b.Dev)

	return Resolved{
		BasePath:   basePath,
		Identity:   id,
		Endpoint:   endpoint,
		WSEndpoint: ws,
	}
}
