package model

import (
	"sort"
	"strings"
)

// Required field names. Every field must be mapped to a source column before
// a run may start.
const (
	FieldName             = "name"
	FieldEmail            = "email"
	FieldPhone            = "phone"
	FieldUTMSource        = "utm_source"
	FieldUTMMedium        = "utm_medium"
	FieldUTMTerm          = "utm_term"
	FieldUTMCampaign      = "utm_campaign"
	FieldUTMContent       = "utm_content"
	FieldRegistrationTime = "registration_time"
	FieldIPAddress        = "ip_address"
)

// RequiredFields lists the logical lead attributes in presentation order.
var RequiredFields = []string{
	FieldName,
	FieldEmail,
	FieldPhone,
	FieldUTMSource,
	FieldUTMMedium,
	FieldUTMTerm,
	FieldUTMCampaign,
	FieldUTMContent,
	FieldRegistrationTime,
	FieldIPAddress,
}

// IsRequiredField reports whether name is one of RequiredFields.
func IsRequiredField(name string) bool {
	for _, f := range RequiredFields {
		if f == name {
			return true
		}
	}
	return false
}

// FieldMapping maps each required field to the source column that feeds it.
// It is immutable once built; use mapping.Resolve to construct a validated one.
type FieldMapping struct {
	columns map[string]string
}

// NewFieldMapping copies m into a FieldMapping. Blank columns are dropped.
func NewFieldMapping(m map[string]string) FieldMapping {
	columns := make(map[string]string, len(m))
	for field, col := range m {
		if strings.TrimSpace(col) == "" {
			continue
		}
		columns[field] = col
	}
	return FieldMapping{columns: columns}
}

// Column returns the source column mapped to field, or "" if unmapped.
func (m FieldMapping) Column(field string) string {
	return m.columns[field]
}

// Map returns a copy of the field → column pairs.
func (m FieldMapping) Map() map[string]string {
	out := make(map[string]string, len(m.columns))
	for k, v := range m.columns {
		out[k] = v
	}
	return out
}

// Fields returns the mapped field names sorted alphabetically.
func (m FieldMapping) Fields() []string {
	fields := make([]string, 0, len(m.columns))
	for f := range m.columns {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Lookup resolves field through the mapping and reads it from row.
func (m FieldMapping) Lookup(row RawRecord, field string) (string, bool) {
	col := m.Column(field)
	if col == "" {
		return "", false
	}
	return row.Get(col)
}
