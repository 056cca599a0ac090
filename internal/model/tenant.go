package model

// ConnectionStatus is the provisioning state of a channel connection.
type ConnectionStatus string

const (
	ConnectionDraft     ConnectionStatus = "draft"
	ConnectionConnected ConnectionStatus = "connected"
	ConnectionDisabled  ConnectionStatus = "disabled"
)

// ChannelConnection maps a tenant to a channel identity.
type ChannelConnection struct {
	TenantID    string            `json:"tenant_id" yaml:"tenant_id"`
	Channel     Channel           `json:"channel" yaml:"channel"`
	RoutingID   string            `json:"routing_id" yaml:"routing_id"`
	AccessToken string            `json:"-" yaml:"access_token"`
	AppSecret   string            `json:"-" yaml:"app_secret"`
	VerifyToken string            `json:"-" yaml:"verify_token"`
	Status      ConnectionStatus  `json:"status" yaml:"status"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

// Active reports whether events for this connection should be processed.
func (c *ChannelConnection) Active() bool {
	return c != nil && c.Status != ConnectionDisabled
}

// TenantProfile is per-tenant configuration read by the core.
type TenantProfile struct {
	ID              string `json:"id" yaml:"id"`
	Name            string `json:"name" yaml:"name"`
	DefaultLanguage string `json:"default_language" yaml:"default_language"`
	// CompletionAPIKey overrides the global completion credential when set.
	CompletionAPIKey string `json:"-" yaml:"completion_api_key"`
	// CompletionModel overrides the global model when set.
	CompletionModel string `json:"completion_model,omitempty" yaml:"completion_model"`
	CatalogFile     string `json:"-" yaml:"catalog_file"`
}
