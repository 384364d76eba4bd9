package model

// Value is an optional string. The zero value is Missing; a present value is
// never the empty string.
type Value struct {
	s  string
	ok bool
}

// Missing is the explicit absent marker.
var Missing = Value{}

// Some wraps s as a present value. An empty s yields Missing.
func Some(s string) Value {
	if s == "" {
		return Missing
	}
	return Value{s: s, ok: true}
}

// Get returns the wrapped string and whether it is present.
func (v Value) Get() (string, bool) {
	return v.s, v.ok
}

// Present reports whether the value is set.
func (v Value) Present() bool {
	return v.ok
}

// String returns the value, or "<missing>" when absent.
func (v Value) String() string {
	if !v.ok {
		return "<missing>"
	}
	return v.s
}

// Identity is the privacy-preserving user data derived from a row.
type Identity struct {
	HashedEmail Value
	HashedPhone Value
	ClientIP    Value
}

const (
	// EventNameLead is the only event name the converter emits.
	EventNameLead = "Lead"
	// ActionSourceWebsite marks events as originating from a website form.
	ActionSourceWebsite = "website"
	// DefaultCampaignLabel is used when a row has no utm_campaign.
	DefaultCampaignLabel = "direct"
)

// ConversionEvent is the canonical payload submitted for one row.
type ConversionEvent struct {
	EventName     string
	EventTime     int64
	ActionSource  string
	Identity      Identity
	CampaignLabel string
	SourceURL     string
}
