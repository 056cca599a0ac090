package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// LeadStatus is the CRM status of a lead. The core only writes LeadStatusNew.
type LeadStatus string

const (
	LeadStatusNew       LeadStatus = "new"
	LeadStatusContacted LeadStatus = "contacted"
	LeadStatusWon       LeadStatus = "won"
	LeadStatusLost      LeadStatus = "lost"
)

// Lead is a captured, deduplicated contact ready for human follow-up.
type Lead struct {
	ID                string     `json:"id" gorm:"type:text;primaryKey"`
	TenantID          string     `json:"tenant_id" gorm:"type:text;index"`
	Contact           string     `json:"contact" gorm:"type:text;not null;index:idx_leads_contact_source_created,priority:1"`
	Name              string     `json:"name,omitempty" gorm:"type:text"`
	Email             string     `json:"email,omitempty" gorm:"type:text"`
	Channel           Channel    `json:"channel" gorm:"type:text"`
	Messages          StringList `json:"messages" gorm:"type:jsonb"`
	Summary           string     `json:"summary,omitempty" gorm:"type:text"`
	Source            string     `json:"source" gorm:"type:text;not null;index:idx_leads_contact_source_created,priority:2"`
	Language          string     `json:"language,omitempty" gorm:"type:text"`
	Status            LeadStatus `json:"status" gorm:"type:text"`
	RoutingID         string     `json:"routing_id,omitempty" gorm:"type:text"`
	ExternalContactID string     `json:"external_contact_id,omitempty" gorm:"type:text"`
	CreatedAt         time.Time  `json:"created_at" gorm:"index:idx_leads_contact_source_created,priority:3"`
}

// TableName implements the gorm tabler interface.
func (Lead) TableName() string { return "leads" }

// LeadSource returns the source tag for leads captured on a channel.
func LeadSource(channel Channel) string {
	return string(channel) + "_bot"
}

// StringList is a string slice stored as a JSON column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, (*[]string)(l))
	case string:
		return json.Unmarshal([]byte(v), (*[]string)(l))
	default:
		return fmt.Errorf("unsupported type %T for StringList", src)
	}
}
