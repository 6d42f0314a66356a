package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Bundle is an optional feature module that must be active on a tenant
// database for some requests to be served.
type Bundle uint32

const (
	BundleBulkInsert Bundle = 1 << iota
	BundleVersioning
	BundleReplication
	BundlePeriodicExport
	BundleExpiration

	bundleEnd
)

var bundleNames = map[Bundle]string{
	BundleBulkInsert:     "BulkInsert",
	BundleVersioning:     "Versioning",
	BundleReplication:    "Replication",
	BundlePeriodicExport: "PeriodicExport",
	BundleExpiration:     "Expiration",
}

func (b Bundle) String() string {
	if s, ok := bundleNames[b]; ok {
		return s
	}
	return fmt.Sprintf("Bundle(%#x)", uint32(b))
}

// BundleSet is a set of bundles.
type BundleSet uint32

const AllBundles = BundleSet(bundleEnd - 1)

func Bundles(bs ...Bundle) BundleSet {
	var set BundleSet
	for _, b := range bs {
		set |= BundleSet(b)
	}
	return set
}

func (set BundleSet) Contains(b Bundle) bool {
	return b != 0 && set&BundleSet(b) == BundleSet(b)
}

func (set BundleSet) List() []Bundle {
	var result []Bundle
	for b := Bundle(1); b < bundleEnd; b <<= 1 {
		if set.Contains(b) {
			result = append(result, b)
		}
	}
	return result
}

func (set BundleSet) String() string {
	var names []string
	for _, b := range set.List() {
		names = append(names, b.String())
	}
	return strings.Join(names, ";")
}

// ParseBundle accepts a bundle name, ignoring case.
func ParseBundle(s string) (Bundle, error) {
	for b, name := range bundleNames {
		if strings.EqualFold(name, s) {
			return b, nil
		}
	}
	return 0, fmt.Errorf("unknown bundle %q", s)
}

// ParseBundles parses a list of bundle names separated by ';' or ','.
func ParseBundles(s string) (BundleSet, error) {
	var set BundleSet
	for _, item := range strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' }) {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		b, err := ParseBundle(item)
		if err != nil {
			return 0, err
		}
		set |= BundleSet(b)
	}
	return set, nil
}

// UnmarshalText lets BundleSet be used in configuration.
func (set *BundleSet) UnmarshalText(text []byte) error {
	v, err := ParseBundles(string(text))
	if err != nil {
		return err
	}
	*set = v
	return nil
}

func (set BundleSet) MarshalText() ([]byte, error) {
	return []byte(set.String()), nil
}

type bundleErrorResponse struct {
	Error string
}

// RequireBundle serves next only when the database named by the {db} path
// value has bundle b active. Otherwise it answers 400 with a JSON error, and
// next is never called.
func RequireBundle(l *Landlord, b Bundle, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg, ok := l.Tenant(r.PathValue("db"))
		if ok && cfg.ActiveBundles.Contains(b) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(bundleErrorResponse{Error: "Could not figure out what to do"})
	})
}
