package router

import (
	"log"
	"regexp"
	"sort"
	"strings"

	"github.com/uchit66/reactive-interaction-gateway/internal/model"
)

type compiledEndpoint struct {
	endpoint model.Endpoint
	pattern  *regexp.Regexp
}

type compiledAPI struct {
	def       model.APIDefinition
	endpoints []compiledEndpoint
}

// Table is an immutable request matcher compiled from a registry snapshot.
// APIs are ordered lexicographically by id so matching is deterministic;
// within an api, endpoints keep their published order and the first match
// wins.
type Table struct {
	apis []compiledAPI
}

// New compiles a route table from the default-version endpoints of the
// given definitions. Endpoints with unparsable paths are dropped.
func New(defs []model.APIDefinition) *Table {
	t := &Table{apis: make([]compiledAPI, 0, len(defs))}
	for _, def := range defs {
		ca := compiledAPI{def: def}
		for _, ep := range def.DefaultEndpoints() {
			re, err := compilePath(ep.Path)
			if err != nil {
				log.Printf("router: endpoint %s of %s: bad path %q: %v", ep.ID, def.ID, ep.Path, err)
				continue
			}
			ep.Method = strings.ToUpper(ep.Method)
			ca.endpoints = append(ca.endpoints, compiledEndpoint{endpoint: ep, pattern: re})
		}
		t.apis = append(t.apis, ca)
	}
	sort.SliceStable(t.apis, func(i, j int) bool {
		return t.apis[i].def.ID < t.apis[j].def.ID
	})
	return t
}

// Match finds the first api and endpoint applying to a request. The method
// must match exactly; the endpoint path, with each {id} wildcard standing
// for one path segment, must match the request path anchored at the end.
// A nil return means no route.
func (t *Table) Match(method, path string) (*model.APIDefinition, *model.Endpoint) {
	for i := range t.apis {
		for j := range t.apis[i].endpoints {
			ce := &t.apis[i].endpoints[j]
			if ce.endpoint.Method != method {
				continue
			}
			if ce.pattern.MatchString(path) {
				return &t.apis[i].def, &ce.endpoint
			}
		}
	}
	return nil, nil
}

// Len reports the number of apis in the table.
func (t *Table) Len() int { return len(t.apis) }

// compilePath turns an endpoint path into its matching pattern: literal
// segments are quoted, {id} becomes a single-segment wildcard, and the
// pattern is anchored at the end of the request path.
func compilePath(p string) (*regexp.Regexp, error) {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		if s == "{id}" {
			segs[i] = "[^/]+"
		} else {
			segs[i] = regexp.QuoteMeta(s)
		}
	}
	return regexp.Compile(strings.Join(segs, "/") + "$")
}
