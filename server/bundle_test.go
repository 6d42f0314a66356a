package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/docdb"
)

func TestBundleSet(t *testing.T) {
	set := Bundles(BundleBulkInsert, BundleExpiration)
	assert.True(t, set.Contains(BundleBulkInsert))
	assert.True(t, set.Contains(BundleExpiration))
	assert.False(t, set.Contains(BundleReplication))
	assert.False(t, set.Contains(0))
	assert.Equal(t, []Bundle{BundleBulkInsert, BundleExpiration}, set.List())
	assert.Equal(t, "BulkInsert;Expiration", set.String())
	assert.Len(t, AllBundles.List(), 5)
}

func TestParseBundles(t *testing.T) {
	set, err := ParseBundles("bulkinsert; Versioning,PeriodicExport")
	require.NoError(t, err)
	assert.Equal(t, Bundles(BundleBulkInsert, BundleVersioning, BundlePeriodicExport), set)

	set, err = ParseBundles("")
	require.NoError(t, err)
	assert.Equal(t, BundleSet(0), set)

	_, err = ParseBundles("BulkInsert;Quotas")
	assert.ErrorContains(t, err, "Quotas")

	var fromText BundleSet
	require.NoError(t, fromText.UnmarshalText([]byte("Replication")))
	assert.Equal(t, Bundles(BundleReplication), fromText)
	text, err := fromText.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "Replication", string(text))
}

func TestRequireBundle(t *testing.T) {
	l, err := NewLandlord([]TenantConfig{
		{Name: "on", Engine: docdb.EngineISAM, ActiveBundles: Bundles(BundleBulkInsert)},
		{Name: "off", Engine: docdb.EngineISAM, ActiveBundles: Bundles(BundleVersioning)},
	}, LandlordOptions{IsTesting: true})
	require.NoError(t, err)
	defer l.Close()

	var called int
	mux := http.NewServeMux()
	mux.Handle("POST /databases/{db}/bulk_insert", RequireBundle(l, BundleBulkInsert, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called++
		w.WriteHeader(http.StatusTeapot)
	})))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/databases/on/bulk_insert", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 1, called)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/databases/off/bulk_insert", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"Error": "Could not figure out what to do"}`, rec.Body.String())
	assert.Equal(t, 1, called)
}
