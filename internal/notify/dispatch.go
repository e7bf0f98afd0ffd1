package notify

import (
	"context"
	"log/slog"
	"strings"

	"portalpush/internal/backend"
	"portalpush/internal/platform"
)

// MessageTypeClick tags the structured message a page receives when the user
// interacts with a notification.
const MessageTypeClick = "NOTIFICATION_CLICK"

// NotificationSummary is the slice of a notification a page message carries.
type NotificationSummary struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag"`
}

// ClickMessage is posted to a page when a notification is clicked. Action is
// empty for a plain body click.
type ClickMessage struct {
	Type         string              `json:"type"`
	Action       string              `json:"action,omitempty"`
	Data         map[string]any      `json:"data,omitempty"`
	Notification NotificationSummary `json:"notification"`
}

// Policy routes a notification click. The notification is already closed by
// the time a policy runs; policies must complete the user-visible part
// (focusing or opening a page) even when backend calls fail.
type Policy interface {
	HandleClick(ctx context.Context, clients platform.Clients, n *platform.Notification, action string) error
}

// dismissClass actions end the interaction without any further side effect.
func dismissClass(action string) bool {
	return action == "dismiss" || action == "close"
}

// PostMessagePolicy relays clicks to an open page of the origin, or opens a
// new one, and posts a single structured message either way.
type PostMessagePolicy struct {
	// Origin restricts which open pages count as "ours". Empty matches all.
	Origin string
	// ActionURLs maps an action identifier to the page opened when no data
	// URL is present.
	ActionURLs map[string]string
	Log        *slog.Logger
}

func (p *PostMessagePolicy) HandleClick(ctx context.Context, clients platform.Clients, n *platform.Notification, action string) error {
	if dismissClass(action) {
		return nil
	}

	msg := ClickMessage{
		Type:   MessageTypeClick,
		Action: action,
		Data:   n.Options.Data,
		Notification: NotificationSummary{
			Title: n.Title,
			Body:  n.Options.Body,
			Tag:   n.Options.Tag,
		},
	}

	open, err := clients.MatchAll(ctx)
	if err != nil {
		return err
	}
	for _, c := range open {
		if p.Origin != "" && !strings.HasPrefix(c.URL(), p.Origin) {
			continue
		}
		if err := c.Focus(ctx); err != nil {
			p.Log.Warn("cannot focus page", "client", c.ID(), "error", err)
			continue
		}
		return c.PostMessage(msg)
	}

	target, err := clients.OpenWindow(ctx, p.resolveURL(action, n.Options.Data))
	if err != nil {
		return err
	}
	return target.PostMessage(msg)
}

// resolveURL picks the page to open: explicit data URL, then the action's
// configured fallback, then the origin root.
func (p *PostMessagePolicy) resolveURL(action string, data map[string]any) string {
	if u := dataURL(data); u != "" {
		return u
	}
	if u, ok := p.ActionURLs[action]; ok && u != "" {
		return u
	}
	return "/"
}

// DirectCallbackPolicy reports named actions straight to the backend instead
// of relaying them to a page. Used for worker deployments where no portal
// page is expected to be open.
type DirectCallbackPolicy struct {
	Backend *backend.Client
	Log     *slog.Logger
}

func (p *DirectCallbackPolicy) HandleClick(ctx context.Context, clients platform.Clients, n *platform.Notification, action string) error {
	if dismissClass(action) {
		return nil
	}

	data := n.Options.Data

	switch action {
	case "confirm", "reject", "details":
		var redirect string
		result, err := p.Backend.Action(ctx, backend.ActionRequest{
			Action:   action,
			Category: n.Options.Tag,
			Payload:  payloadMap(data),
		})
		if err != nil {
			// Telemetry only; the visible interaction continues.
			p.Log.Warn("action callback failed", "action", action, "error", err)
		} else if result != nil {
			redirect = result.RedirectURL
		}

		if action == "details" {
			if u := dataURL(data); u != "" {
				redirect = u
			}
		}
		if redirect != "" {
			_, err := clients.OpenWindow(ctx, redirect)
			return err
		}
		return nil
	case "":
		// Plain click: land the user on the target page.
		url := dataURL(data)
		if url == "" {
			url = "/"
		}
		_, err := clients.OpenWindow(ctx, url)
		return err
	default:
		p.Log.Warn("unknown notification action", "action", action)
		return nil
	}
}

// dataURL extracts the navigation URL from notification data, checking the
// top level first and the nested payload second.
func dataURL(data map[string]any) string {
	if data == nil {
		return ""
	}
	if u, ok := data["url"].(string); ok && u != "" {
		return u
	}
	if payload, ok := data["payload"].(map[string]any); ok {
		if u, ok := payload["url"].(string); ok && u != "" {
			return u
		}
	}
	return ""
}

func payloadMap(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	if payload, ok := data["payload"].(map[string]any); ok {
		return payload
	}
	return data
}
