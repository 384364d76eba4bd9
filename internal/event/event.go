// Package event assembles the conversion event submitted for a lead row.
package event

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-converter/internal/model"
)

// timeLayouts are tried in order. Day-first layouts use four-digit years;
// the two-digit month-first forms match how spreadsheet tools render the
// default date-time cell format.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006",
	"1/2/06 15:04",
	"1/2/06",
}

// utmOrder is the field order of the reconstructed source URL query.
var utmOrder = []string{
	model.FieldUTMSource,
	model.FieldUTMMedium,
	model.FieldUTMCampaign,
	model.FieldUTMContent,
	model.FieldUTMTerm,
}

// ParseTime parses a registration timestamp. Values without a zone are read
// in loc. A bare integer is taken as epoch seconds.
func ParseTime(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, eris.New("event: empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).In(loc), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, eris.Errorf("event: unrecognized timestamp %q", s)
}

// SourceURL rebuilds the UTM query string. Absent values are written empty.
func SourceURL(utm map[string]string) string {
	parts := make([]string, len(utmOrder))
	for i, key := range utmOrder {
		parts[i] = key + "=" + url.QueryEscape(utm[key])
	}
	return strings.Join(parts, "&")
}

// Builder turns a mapped row and its identity into a ConversionEvent.
type Builder struct {
	Location *time.Location
}

// NewBuilder returns a Builder reading zone-less timestamps in loc.
func NewBuilder(loc *time.Location) *Builder {
	if loc == nil {
		loc = time.UTC
	}
	return &Builder{Location: loc}
}

// Build assembles the event for row. An unparseable registration time is
// returned as a row-parse *model.RowError.
func (b *Builder) Build(row model.RawRecord, m model.FieldMapping, id model.Identity) (model.ConversionEvent, error) {
	raw, _ := m.Lookup(row, model.FieldRegistrationTime)
	ts, err := ParseTime(raw, b.Location)
	if err != nil {
		return model.ConversionEvent{}, model.NewRowParseError(row.Row, eris.Wrap(err, model.FieldRegistrationTime))
	}

	utm := make(map[string]string, len(utmOrder))
	for _, key := range utmOrder {
		v, _ := m.Lookup(row, key)
		utm[key] = strings.TrimSpace(v)
	}

	label := utm[model.FieldUTMCampaign]
	if label == "" {
		label = model.DefaultCampaignLabel
	}

	return model.ConversionEvent{
		EventName:     model.EventNameLead,
		EventTime:     ts.Unix(),
		ActionSource:  model.ActionSourceWebsite,
		Identity:      id,
		CampaignLabel: label,
		SourceURL:     SourceURL(utm),
	}, nil
}
