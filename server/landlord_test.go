package server

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/docdb"
	"github.com/andreyvit/docdb/wire"
)

func TestLandlord_validation(t *testing.T) {
	_, err := NewLandlord([]TenantConfig{{Name: ""}}, LandlordOptions{DataDir: t.TempDir()})
	assert.Error(t, err)

	_, err = NewLandlord([]TenantConfig{{Name: "../etc"}}, LandlordOptions{DataDir: t.TempDir()})
	assert.Error(t, err)

	_, err = NewLandlord([]TenantConfig{{Name: "a"}, {Name: "a"}}, LandlordOptions{DataDir: t.TempDir()})
	assert.ErrorContains(t, err, "duplicate")

	_, err = NewLandlord([]TenantConfig{{Name: "a", Engine: docdb.EngineCOW}}, LandlordOptions{})
	assert.Error(t, err)

	_, err = NewLandlord([]TenantConfig{{Name: "a", Engine: docdb.EngineISAM}}, LandlordOptions{})
	assert.NoError(t, err)
}

func TestLandlord_opensLazily(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLandlord([]TenantConfig{
		{Name: "cow", Engine: docdb.EngineCOW, ActiveBundles: Bundles(BundleBulkInsert)},
		{Name: "isam", Engine: docdb.EngineISAM, Atomicity: docdb.CommitPrefix},
	}, LandlordOptions{DataDir: dir, IsTesting: true})
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, []string{"cow", "isam"}, l.Tenants())
	assert.Empty(t, l.dbs)

	db1, err := l.DB("cow")
	require.NoError(t, err)
	assert.Equal(t, docdb.EngineCOW, db1.Engine())
	assert.FileExists(t, filepath.Join(dir, "cow.db"))

	again, err := l.DB("cow")
	require.NoError(t, err)
	assert.Same(t, db1, again)

	db2, err := l.DB("isam")
	require.NoError(t, err)
	assert.Equal(t, docdb.CommitPrefix, db2.Atomicity())

	_, err = l.DB("nope")
	assert.ErrorIs(t, err, wire.ErrUnknownDatabase)

	cfg, ok := l.Tenant("cow")
	require.True(t, ok)
	assert.True(t, cfg.ActiveBundles.Contains(BundleBulkInsert))
	assert.False(t, cfg.ActiveBundles.Contains(BundleVersioning))
}

func TestLandlord_close(t *testing.T) {
	l, err := NewLandlord([]TenantConfig{
		{Name: "a", Engine: docdb.EngineISAM},
		{Name: "b", Engine: docdb.EngineISAM},
	}, LandlordOptions{IsTesting: true})
	require.NoError(t, err)

	a, err := l.DB("a")
	require.NoError(t, err)
	_, err = l.DB("b")
	require.NoError(t, err)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err = a.Get("x")
	assert.ErrorIs(t, err, docdb.ErrClosed)
	_, err = l.DB("a")
	assert.ErrorIs(t, err, ErrLandlordClosed)
}
