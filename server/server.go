// Package server contains misc server utilities.
package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"
)

// FloatT is a struct with a single float64 field, {"f64": value}
type FloatT struct {
	F64 float64 `json:"f64"`
}

// BoolT is a struct with a single bool field, {"bool": value}
type BoolT struct {
	Bool bool `json:"bool"`
}

// StrT is a struct with a single string field, {"str": value}
type StrT struct {
	Str string `json:"str"`
}

// Route is an HTTP method and a path
type Route struct {
	Method string
	Path   string
}

func (r Route) String() string {
	return r.Method + " " + r.Path
}

// Get is a GET route
func Get(path string) Route { return Route{http.MethodGet, path} }

// Post is a POST route
func Post(path string) Route { return Route{http.MethodPost, path} }

// RouteTable maps routes to their handlers
type RouteTable map[Route]http.HandlerFunc

// Endpoints lists the routes in a RouteTable as "METHOD /path", sorted by path
func (rt RouteTable) Endpoints() []string {
	routes := make([]Route, 0, len(rt))
	for k := range rt {
		routes = append(routes, k)
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path == routes[j].Path {
			return routes[i].Method < routes[j].Method
		}
		return routes[i].Path < routes[j].Path
	})
	out := make([]string, len(routes))
	for i, r := range routes {
		out[i] = r.String()
	}
	return out
}

// Bind binds every route of the table to r
func (rt RouteTable) Bind(r chi.Router) {
	for route, fcn := range rt {
		r.MethodFunc(strings.ToUpper(route.Method), route.Path, fcn)
	}
}

// HTTPer is an object that has a route table
type HTTPer interface {
	RT() RouteTable
}

// EncodeAndRespond writes v as JSON with status 200
func EncodeAndRespond(w http.ResponseWriter, v interface{}) {
	Respond(w, http.StatusOK, v)
}

// Respond writes v as JSON with the given status
func Respond(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	// the status is already sent, an encoding error can only be dropped
	json.NewEncoder(w).Encode(v)
}

// DecodeBody decodes a JSON request body into v, answering 400 on failure.
// It returns false when the request has been answered.
func DecodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}
