// Package tenant resolves channel connections and tenant profiles. Both are
// owned by provisioning and only read here.
package tenant

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/capitalize-ai/sales-funnel/internal/catalog"
	"github.com/capitalize-ai/sales-funnel/internal/model"
)

// Directory is an in-memory view of tenants and their channel connections.
type Directory struct {
	mu             sync.RWMutex
	defaultTenant  string
	defaultCatalog *catalog.Catalog
	tenants        map[string]*model.TenantProfile
	catalogs       map[string]*catalog.Catalog
	connections    map[string]*model.ChannelConnection
}

// NewDirectory creates an empty directory.
func NewDirectory(defaultTenant string, defaultCatalog *catalog.Catalog) *Directory {
	if defaultCatalog == nil {
		defaultCatalog = catalog.Default()
	}
	d := &Directory{
		defaultTenant:  defaultTenant,
		defaultCatalog: defaultCatalog,
		tenants:        make(map[string]*model.TenantProfile),
		catalogs:       make(map[string]*catalog.Catalog),
		connections:    make(map[string]*model.ChannelConnection),
	}
	d.tenants[defaultTenant] = &model.TenantProfile{ID: defaultTenant, Name: defaultTenant}
	return d
}

type directoryFile struct {
	Tenants     []model.TenantProfile     `yaml:"tenants"`
	Connections []model.ChannelConnection `yaml:"connections"`
}

// LoadFile populates the directory from a YAML file. Tenant catalogs named in
// the file are loaded relative to the working directory.
func (d *Directory) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tenants file: %w", err)
	}
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse tenants file: %w", err)
	}
	for _, p := range f.Tenants {
		var cat *catalog.Catalog
		if p.CatalogFile != "" {
			cat, err = catalog.Load(p.CatalogFile)
			if err != nil {
				return fmt.Errorf("tenant %s: %w", p.ID, err)
			}
		}
		d.AddTenant(p, cat)
	}
	for _, c := range f.Connections {
		if c.Status == "" {
			c.Status = model.ConnectionConnected
		}
		d.AddConnection(c)
	}
	return nil
}

// AddTenant registers a tenant profile and its optional catalog.
func (d *Directory) AddTenant(p model.TenantProfile, cat *catalog.Catalog) {
	d.mu.Lock()
	defer d.mu.Unlock()
	profile := p
	d.tenants[p.ID] = &profile
	if cat != nil {
		d.catalogs[p.ID] = cat
	}
}

// AddConnection registers a channel connection.
func (d *Directory) AddConnection(c model.ChannelConnection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := c
	if conn.TenantID == "" {
		conn.TenantID = d.defaultTenant
	}
	d.connections[connectionKey(c.Channel, c.RoutingID)] = &conn
}

// Resolve returns the connection for an inbound routing id. Disabled
// connections resolve as unknown.
func (d *Directory) Resolve(channel model.Channel, routingID string) (*model.ChannelConnection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.connections[connectionKey(channel, routingID)]
	if !ok || !c.Active() {
		return nil, false
	}
	out := *c
	return &out, true
}

// Tenant returns the profile for id, or the default tenant profile.
func (d *Directory) Tenant(id string) model.TenantProfile {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p, ok := d.tenants[id]; ok {
		return *p
	}
	return *d.tenants[d.defaultTenant]
}

// Catalog returns the tenant catalog or the default one.
func (d *Directory) Catalog(tenantID string) *catalog.Catalog {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if c, ok := d.catalogs[tenantID]; ok {
		return c
	}
	return d.defaultCatalog
}

// VerifyTokens lists the handshake tokens of active connections on a channel.
func (d *Directory) VerifyTokens(channel model.Channel) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for _, c := range d.connections {
		if c.Channel == channel && c.Active() && c.VerifyToken != "" {
			out = append(out, c.VerifyToken)
		}
	}
	return out
}

func connectionKey(channel model.Channel, routingID string) string {
	return string(channel) + "|" + routingID
}
