package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/andreyvit/docdb"
	"github.com/andreyvit/docdb/wire"
)

// TenantConfig describes one tenant database.
type TenantConfig struct {
	Name   string
	Engine docdb.EngineKind
	// Path overrides the location derived from the landlord's data directory.
	Path          string
	ActiveBundles BundleSet
	Atomicity     docdb.AtomicityMode
	Verbose       bool
}

type LandlordOptions struct {
	// DataDir holds tenant databases. Without it, ISAM tenants are transient
	// and copy-on-write tenants need an explicit Path.
	DataDir   string
	Logger    *slog.Logger
	IsTesting bool

	OnBatchCommitted func(docdb.BatchEvent)
}

var ErrLandlordClosed = errors.New("landlord closed")

// Landlord owns the tenant databases of a server. Databases are opened on
// first use and closed by Close.
type Landlord struct {
	opt     LandlordOptions
	tenants map[string]TenantConfig

	mu     sync.Mutex
	dbs    map[string]*docdb.DB
	closed bool
}

func NewLandlord(tenants []TenantConfig, opt LandlordOptions) (*Landlord, error) {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	l := &Landlord{
		opt:     opt,
		tenants: make(map[string]TenantConfig, len(tenants)),
		dbs:     make(map[string]*docdb.DB),
	}
	for _, t := range tenants {
		if err := validateTenantName(t.Name); err != nil {
			return nil, err
		}
		if _, dup := l.tenants[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tenant %q", t.Name)
		}
		if t.Engine == "" {
			t.Engine = docdb.EngineCOW
		}
		if t.Path == "" && t.Engine == docdb.EngineCOW && opt.DataDir == "" {
			return nil, fmt.Errorf("tenant %q: %s engine needs a data directory", t.Name, t.Engine)
		}
		l.tenants[t.Name] = t
	}
	return l, nil
}

func validateTenantName(name string) error {
	if name == "" {
		return fmt.Errorf("tenant name is empty")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid tenant name %q", name)
	}
	return nil
}

func (l *Landlord) Tenant(name string) (TenantConfig, bool) {
	t, ok := l.tenants[name]
	return t, ok
}

func (l *Landlord) Tenants() []string {
	names := make([]string, 0, len(l.tenants))
	for name := range l.tenants {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (l *Landlord) tenantPath(t TenantConfig) string {
	switch {
	case t.Path != "":
		return t.Path
	case l.opt.DataDir == "":
		return ""
	case t.Engine == docdb.EngineCOW:
		return filepath.Join(l.opt.DataDir, t.Name+".db")
	default:
		return filepath.Join(l.opt.DataDir, t.Name)
	}
}

// DB returns the database of the named tenant, opening it if needed.
func (l *Landlord) DB(name string) (*docdb.DB, error) {
	t, ok := l.tenants[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", wire.ErrUnknownDatabase, name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLandlordClosed
	}
	if db := l.dbs[name]; db != nil {
		return db, nil
	}

	path := l.tenantPath(t)
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
			return nil, err
		}
	}
	db, err := docdb.Open(path, docdb.Options{
		Name:             t.Name,
		Engine:           t.Engine,
		Atomicity:        t.Atomicity,
		Logger:           l.opt.Logger,
		Verbose:          t.Verbose,
		IsTesting:        l.opt.IsTesting,
		OnBatchCommitted: l.opt.OnBatchCommitted,
	})
	if err != nil {
		return nil, fmt.Errorf("tenant %q: %w", name, err)
	}
	l.opt.Logger.LogAttrs(context.Background(), slog.LevelInfo, "landlord: opened tenant", slog.String("db", name), slog.String("engine", string(t.Engine)), slog.String("bundles", t.ActiveBundles.String()))
	l.dbs[name] = db
	return db, nil
}

// Close closes every open database. Each one waits for its bulk insert
// sessions to be closed first.
func (l *Landlord) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	dbs := l.dbs
	l.dbs = nil
	l.mu.Unlock()

	var g errgroup.Group
	for name, db := range dbs {
		g.Go(func() error {
			if err := db.Close(); err != nil {
				return fmt.Errorf("tenant %q: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
