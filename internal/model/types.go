package model

import (
	"strings"
	"time"
)

// AuthType selects the edge authentication scheme of an API.
type AuthType string

const (
	AuthNone AuthType = "none"
	AuthJWT  AuthType = "jwt"
)

// ParseAuthType maps a raw config value onto an AuthType.
// A missing or unknown value means "none".
func ParseAuthType(s string) AuthType {
	if strings.EqualFold(strings.TrimSpace(s), string(AuthJWT)) {
		return AuthJWT
	}
	return AuthNone
}

// AuthConfig tells the forwarder where to look for credentials.
type AuthConfig struct {
	HeaderName string `json:"header_name"`
	QueryName  string `json:"query_name"`
	UseHeader  bool   `json:"use_header"`
	UseQuery   bool   `json:"use_query"`
}

// ProxyConfig names the upstream backend. TargetURL is either a literal
// host or, when UseEnv is set, the name of an environment variable whose
// value gives the host.
type ProxyConfig struct {
	TargetURL string `json:"target_url"`
	Port      int    `json:"port"`
	UseEnv    bool   `json:"use_env"`
}

// Endpoint is one routable operation of an API. Path may contain the
// wildcard token {id}, which matches a single path segment.
type Endpoint struct {
	ID         string `json:"id"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	NotSecured bool   `json:"not_secured"`
}

// Version groups the endpoints published under one version label.
type Version struct {
	Endpoints []Endpoint `json:"endpoints"`
}

// DefaultVersion is the version label the request matcher consults.
const DefaultVersion = "default"

// APIDefinition is one node's replica of a service's routing record.
// RefNumber is the cluster-wide logical version; Timestamp is a tie-break
// only; NodeName identifies the authoring node; PhxRef is the opaque
// presence token issued by the tracker when the replica was announced.
type APIDefinition struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	AuthType    AuthType           `json:"auth_type"`
	Auth        AuthConfig         `json:"auth"`
	Proxy       ProxyConfig        `json:"proxy"`
	Versioned   bool               `json:"versioned"`
	VersionData map[string]Version `json:"version_data"`
	RefNumber   int64              `json:"ref_number"`
	Timestamp   time.Time          `json:"timestamp"`
	NodeName    string             `json:"node_name"`
	PhxRef      string             `json:"phx_ref,omitempty"`
}

// DefaultEndpoints returns the endpoints of the default version.
func (d *APIDefinition) DefaultEndpoints() []Endpoint {
	v, ok := d.VersionData[DefaultVersion]
	if !ok {
		return nil
	}
	return v.Endpoints
}

// Equivalent reports whether two definitions describe the same API,
// ignoring replica metadata (ref number, timestamp, node name, presence
// token). This is the structural equality used by conflict resolution.
func (d *APIDefinition) Equivalent(o *APIDefinition) bool {
	if d.ID != o.ID || d.Name != o.Name {
		return false
	}
	if d.AuthType != o.AuthType || d.Auth != o.Auth || d.Proxy != o.Proxy {
		return false
	}
	if d.Versioned != o.Versioned || len(d.VersionData) != len(o.VersionData) {
		return false
	}
	for label, v := range d.VersionData {
		ov, ok := o.VersionData[label]
		if !ok || len(v.Endpoints) != len(ov.Endpoints) {
			return false
		}
		for i := range v.Endpoints {
			if v.Endpoints[i] != ov.Endpoints[i] {
				return false
			}
		}
	}
	return true
}

// Clone returns a deep copy. Definitions are value-typed; the only shared
// structure is the version map and its endpoint slices.
func (d *APIDefinition) Clone() APIDefinition {
	out := *d
	if d.VersionData != nil {
		out.VersionData = make(map[string]Version, len(d.VersionData))
		for label, v := range d.VersionData {
			eps := make([]Endpoint, len(v.Endpoints))
			copy(eps, v.Endpoints)
			out.VersionData[label] = Version{Endpoints: eps}
		}
	}
	return out
}
