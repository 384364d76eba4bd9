package submit

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-converter/internal/model"
	"github.com/sells-group/lead-converter/pkg/capi"
)

// CAPIService sends events through the Conversions API, one per request.
type CAPIService struct {
	Client capi.Client
}

// Send implements Service.
func (s *CAPIService) Send(ctx context.Context, pixelID string, ev model.ConversionEvent) error {
	resp, err := s.Client.SendEvents(ctx, pixelID, capi.EventRequest{
		Data: []capi.ServerEvent{ToServerEvent(ev)},
	})
	if err != nil {
		return err
	}
	if resp.EventsReceived < 1 {
		return eris.Errorf("capi: event not received (fbtrace_id %s)", resp.FBTraceID)
	}
	return nil
}

// ToServerEvent maps a ConversionEvent onto the API payload. Missing
// identity values are omitted.
func ToServerEvent(ev model.ConversionEvent) capi.ServerEvent {
	var ud capi.UserData
	if v, ok := ev.Identity.HashedEmail.Get(); ok {
		ud.Em = []string{v}
	}
	if v, ok := ev.Identity.HashedPhone.Get(); ok {
		ud.Ph = []string{v}
	}
	if v, ok := ev.Identity.ClientIP.Get(); ok {
		ud.ClientIPAddress = v
	}

	return capi.ServerEvent{
		EventName:      ev.EventName,
		EventTime:      ev.EventTime,
		ActionSource:   ev.ActionSource,
		EventSourceURL: ev.SourceURL,
		UserData:       ud,
		CustomData:     capi.CustomData{ContentName: ev.CampaignLabel},
	}
}
