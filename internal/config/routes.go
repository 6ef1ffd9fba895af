package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/uchit66/reactive-interaction-gateway/internal/model"
)

// RouteRecord is one entry of the JSON routes seed. Host names an
// environment variable whose value (or localhost) is the backend host.
type RouteRecord struct {
	ID     string `json:"id,omitempty"`
	Path   string `json:"path"`
	Method string `json:"method"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Auth   bool   `json:"auth"`
}

var knownMethods = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "PATCH": {},
	"DELETE": {}, "HEAD": {}, "OPTIONS": {},
}

// LoadRoutes reads the seed file and turns each record into an api
// definition ready for the registry. Ids must be deterministic so every
// node seeding from the same file converges on the same registry keys;
// records without an explicit id get one derived from method and path.
func LoadRoutes(path string) ([]model.APIDefinition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes: %w", err)
	}
	var records []RouteRecord
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, fmt.Errorf("routes json: %w", err)
	}

	defs := make([]model.APIDefinition, 0, len(records))
	seen := make(map[string]int)
	for i, rec := range records {
		if !strings.HasPrefix(rec.Path, "/") {
			return nil, fmt.Errorf("records[%d]: path must start with '/'", i)
		}
		method := strings.ToUpper(strings.TrimSpace(rec.Method))
		if _, ok := knownMethods[method]; !ok {
			return nil, fmt.Errorf("records[%d]: unknown method %q", i, rec.Method)
		}
		if strings.TrimSpace(rec.Host) == "" {
			return nil, fmt.Errorf("records[%d]: host is required", i)
		}
		if rec.Port <= 0 || rec.Port > 65535 {
			return nil, fmt.Errorf("records[%d]: invalid port %d", i, rec.Port)
		}

		id := strings.TrimSpace(rec.ID)
		if id == "" {
			id = routeSlug(method, rec.Path)
		}
		if prev, dup := seen[id]; dup {
			return nil, fmt.Errorf("records[%d]: id %q duplicates records[%d]", i, id, prev)
		}
		seen[id] = i

		authType := model.AuthNone
		if rec.Auth {
			authType = model.AuthJWT
		}
		defs = append(defs, model.APIDefinition{
			ID:       id,
			Name:     rec.Host,
			AuthType: authType,
			Auth: model.AuthConfig{
				HeaderName: "Authorization",
				QueryName:  "token",
				UseHeader:  true,
				UseQuery:   true,
			},
			Proxy: model.ProxyConfig{
				TargetURL: rec.Host,
				Port:      rec.Port,
				UseEnv:    true,
			},
			VersionData: map[string]model.Version{
				model.DefaultVersion: {
					Endpoints: []model.Endpoint{{
						ID:         id,
						Method:     method,
						Path:       rec.Path,
						NotSecured: !rec.Auth,
					}},
				},
			},
		})
	}
	return defs, nil
}

// routeSlug derives a registry id from method and path, e.g.
// GET /myapi/movies/{id} -> get-myapi-movies-id.
func routeSlug(method, path string) string {
	s := strings.ToLower(method) + strings.ReplaceAll(path, "/", "-")
	s = strings.ReplaceAll(s, "{", "")
	s = strings.ReplaceAll(s, "}", "")
	return strings.Trim(s, "-")
}
