package haws

import (
	"context"
	"strings"
)

// CallService sends a one-shot service call for entityID. It reports whether
// the frame was written, which needs an open transport (Authenticating or
// Ready); the server's answer is not awaited.
func (c *Channel) CallService(ctx context.Context, domain string, service string, entityID string) bool {
	return c.CallServiceData(ctx, domain, service, entityID, nil)
}

// CallServiceData is CallService with extra service data such as brightness.
func (c *Channel) CallServiceData(ctx context.Context, domain string, service string, entityID string, data map[string]any) bool {
	if strings.TrimSpace(domain) == "" || strings.TrimSpace(service) == "" {
		return false
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	if conn == nil || (c.state != StateAuthenticating && c.state != StateReady) {
		c.mu.Unlock()
		return false
	}
	frame := callServiceFrame{
		ID:          c.allocIDLocked(),
		Type:        frameCallService,
		Domain:      domain,
		Service:     service,
		Target:      serviceTarget{EntityID: entityID},
		ServiceData: data,
	}
	c.mu.Unlock()
	return c.writeTo(ctx, conn, frame, frameCallService)
}

// EntityDomain returns the part of entityID before the first dot.
func EntityDomain(entityID string) string {
	domain, _, ok := strings.Cut(entityID, ".")
	if !ok {
		return ""
	}
	return domain
}

func (c *Channel) Toggle(ctx context.Context, entityID string) bool {
	return c.CallService(ctx, EntityDomain(entityID), "toggle", entityID)
}

func (c *Channel) TurnOn(ctx context.Context, entityID string) bool {
	return c.CallService(ctx, EntityDomain(entityID), "turn_on", entityID)
}

func (c *Channel) TurnOff(ctx context.Context, entityID string) bool {
	return c.CallService(ctx, EntityDomain(entityID), "turn_off", entityID)
}
