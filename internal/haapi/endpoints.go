package haapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"hapanel/internal/logging"
)

// TimeRange narrows history, logbook and calendar queries. Empty fields are
// left out.
type TimeRange struct {
	EntityID string
	Start    string
	End      string
}

func withQuery(endpoint string, query url.Values) string {
	if len(query) == 0 {
		return endpoint
	}
	return endpoint + "?" + query.Encode()
}

// States lists every entity state, or one entity when filter is set.
func (c *Client) States(ctx context.Context, filter string) Envelope {
	endpoint := "/states"
	if filter = strings.TrimSpace(filter); filter != "" {
		endpoint += "/" + url.PathEscape(filter)
	}
	return c.Request(ctx, endpoint, http.MethodGet, nil)
}

func (c *Client) State(ctx context.Context, entityID string) Envelope {
	return c.Request(ctx, "/states/"+url.PathEscape(entityID), http.MethodGet, nil)
}

func (c *Client) Services(ctx context.Context) Envelope {
	return c.Request(ctx, "/services", http.MethodGet, nil)
}

func (c *Client) Config(ctx context.Context) Envelope {
	return c.Request(ctx, "/config", http.MethodGet, nil)
}

func (c *Client) Events(ctx context.Context) Envelope {
	return c.Request(ctx, "/events", http.MethodGet, nil)
}

func (c *Client) ErrorLog(ctx context.Context) Envelope {
	return c.Request(ctx, "/error_log", http.MethodGet, nil)
}

func (c *Client) History(ctx context.Context, r TimeRange) Envelope {
	endpoint := "/history/period"
	if r.Start != "" {
		endpoint += "/" + url.PathEscape(r.Start)
	}
	query := url.Values{}
	if r.EntityID != "" {
		query.Set("filter_entity_id", r.EntityID)
	}
	if r.End != "" {
		query.Set("end_time", r.End)
	}
	return c.Request(ctx, withQuery(endpoint, query), http.MethodGet, nil)
}

func (c *Client) Logbook(ctx context.Context, r TimeRange) Envelope {
	endpoint := "/logbook"
	if r.Start != "" {
		endpoint += "/" + url.PathEscape(r.Start)
	}
	query := url.Values{}
	if r.EntityID != "" {
		query.Set("entity", r.EntityID)
	}
	if r.End != "" {
		query.Set("end_time", r.End)
	}
	return c.Request(ctx, withQuery(endpoint, query), http.MethodGet, nil)
}

// Calendars lists calendars, or the events of one calendar when EntityID is
// set.
func (c *Client) Calendars(ctx context.Context, r TimeRange) Envelope {
	if r.EntityID == "" {
		return c.Request(ctx, "/calendars", http.MethodGet, nil)
	}
	query := url.Values{}
	if r.Start != "" {
		query.Set("start", r.Start)
	}
	if r.End != "" {
		query.Set("end", r.End)
	}
	endpoint := "/calendars/" + url.PathEscape(r.EntityID) + "/events"
	return c.Request(ctx, withQuery(endpoint, query), http.MethodGet, nil)
}

func (c *Client) CallService(ctx context.Context, domain string, service string, data map[string]any) Envelope {
	endpoint := "/services/" + url.PathEscape(domain) + "/" + url.PathEscape(service)
	return c.Request(ctx, endpoint, http.MethodPost, data)
}

func entityDomain(entityID string) (string, bool) {
	domain, object, ok := strings.Cut(entityID, ".")
	return domain, ok && domain != "" && object != ""
}

// Toggle flips an entity. Covers have no toggle that works everywhere, so
// their current state decides between open_cover and close_cover.
func (c *Client) Toggle(ctx context.Context, entityID string) Envelope {
	domain, ok := entityDomain(entityID)
	if !ok {
		return failure(http.StatusBadRequest, "Invalid entity_id %q", entityID)
	}

	service := "toggle"
	if domain == "cover" {
		service = "open_cover"
		current := c.State(ctx, entityID)
		if current.Success {
			state := struct {
				State string `json:"state"`
			}{}
			if err := json.Unmarshal(current.Data, &state); err != nil {
				c.logger.Warn("cover state unreadable", logging.Field("entity_id", entityID), logging.Field("error", err))
			} else if state.State == "open" {
				service = "close_cover"
			}
		}
	}

	result := c.CallService(ctx, domain, service, map[string]any{"entity_id": entityID})
	if !result.Success {
		return result
	}
	return Envelope{Success: true, Message: fmt.Sprintf("Successfully toggled %s", entityID), Status: http.StatusOK}
}

// DeviceAction runs Action on the entity's domain with optional parameters.
type DeviceAction struct {
	EntityID    string   `json:"entity_id"`
	Action      string   `json:"action"`
	Brightness  *int     `json:"brightness,omitempty"`
	ColorTemp   *int     `json:"color_temp,omitempty"`
	RGBColor    []int    `json:"rgb_color,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

func (a DeviceAction) serviceData() map[string]any {
	data := map[string]any{"entity_id": a.EntityID}
	if a.Brightness != nil {
		data["brightness"] = *a.Brightness
	}
	if a.ColorTemp != nil {
		data["color_temp"] = *a.ColorTemp
	}
	if len(a.RGBColor) > 0 {
		data["rgb_color"] = a.RGBColor
	}
	if a.Temperature != nil {
		data["temperature"] = *a.Temperature
	}
	return data
}

func (c *Client) RunDeviceAction(ctx context.Context, action DeviceAction) Envelope {
	domain, ok := entityDomain(action.EntityID)
	if !ok || strings.TrimSpace(action.Action) == "" {
		return failure(http.StatusBadRequest, "Missing entity_id or action parameter")
	}
	result := c.CallService(ctx, domain, action.Action, action.serviceData())
	if !result.Success {
		return result
	}
	return Envelope{
		Success: true,
		Message: fmt.Sprintf("Successfully executed %s on %s", action.Action, action.EntityID),
		Status:  http.StatusOK,
	}
}
