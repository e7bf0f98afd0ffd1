// Package notify turns inbound push payloads into display specs and routes
// notification interactions back to pages or the backend.
package notify

import (
	"encoding/json"
	"log/slog"

	"portalpush/internal/platform"
)

// Display defaults. A push with an unreadable body still surfaces a
// notification built entirely from these.
const (
	DefaultTitle = "Corporate portal"
	DefaultBody  = "You have a new notification"
	DefaultIcon  = "/static/icons/notification.png"
	DefaultBadge = "/static/icons/badge.png"
	DefaultTag   = "general"

	// MaxActions is the platform's action button cap.
	MaxActions = 2
)

// DisplaySpec is the normalized shape handed to the platform display call.
// Title is never empty; action identifiers are unique.
type DisplaySpec struct {
	Title              string
	Body               string
	Icon               string
	Badge              string
	Image              string
	Tag                string
	Data               map[string]any
	Actions            []platform.NotificationAction
	RequireInteraction bool
}

// Options splits the spec into the platform display call's arguments.
func (s DisplaySpec) Options() (string, platform.NotificationOptions) {
	return s.Title, platform.NotificationOptions{
		Body:               s.Body,
		Icon:               s.Icon,
		Badge:              s.Badge,
		Image:              s.Image,
		Tag:                s.Tag,
		Data:               s.Data,
		Actions:            s.Actions,
		RequireInteraction: s.RequireInteraction,
	}
}

// DefaultSpec is the fixed fallback spec used when the payload omits fields
// or cannot be parsed at all.
func DefaultSpec() DisplaySpec {
	return DisplaySpec{
		Title: DefaultTitle,
		Body:  DefaultBody,
		Icon:  DefaultIcon,
		Badge: DefaultBadge,
		Tag:   DefaultTag,
		Actions: []platform.NotificationAction{
			{Action: "view", Title: "Open"},
			{Action: "dismiss", Title: "Dismiss"},
		},
		RequireInteraction: true,
	}
}

// Renderer normalizes push payloads field by field over a default spec.
type Renderer struct {
	defaults DisplaySpec
	log      *slog.Logger
}

func NewRenderer(defaults DisplaySpec, log *slog.Logger) *Renderer {
	if defaults.Title == "" {
		defaults = DefaultSpec()
	}
	return &Renderer{defaults: defaults, log: log}
}

// inboundPayload is the wire shape of a decrypted push message. Several
// fields have two accepted spellings; the first non-empty one wins.
type inboundPayload struct {
	Title              string                        `json:"title"`
	Message            string                        `json:"message"`
	Body               string                        `json:"body"`
	Icon               string                        `json:"icon"`
	Badge              string                        `json:"badge"`
	Image              string                        `json:"image"`
	Category           string                        `json:"category"`
	Tag                string                        `json:"tag"`
	Payload            map[string]any                `json:"payload"`
	Data               map[string]any                `json:"data"`
	Actions            []platform.NotificationAction `json:"actions"`
	RequireInteraction *bool                         `json:"requireInteraction"`
}

// Render builds a display spec from a raw push body. A body that is not
// valid JSON never suppresses display: the defaults are used as-is.
func (r *Renderer) Render(raw []byte) DisplaySpec {
	spec := r.defaults
	spec.Actions = append([]platform.NotificationAction(nil), r.defaults.Actions...)

	if len(raw) == 0 {
		return spec
	}

	var in inboundPayload
	if err := json.Unmarshal(raw, &in); err != nil {
		r.log.Warn("malformed push payload, using default display spec", "error", err)
		return spec
	}

	if in.Title != "" {
		spec.Title = in.Title
	}
	if body := firstNonEmpty(in.Message, in.Body); body != "" {
		spec.Body = body
	}
	if in.Icon != "" {
		spec.Icon = in.Icon
	}
	if in.Badge != "" {
		spec.Badge = in.Badge
	}
	if in.Image != "" {
		spec.Image = in.Image
	}
	if tag := firstNonEmpty(in.Category, in.Tag); tag != "" {
		spec.Tag = tag
	}
	if in.Payload != nil {
		spec.Data = in.Payload
	} else if in.Data != nil {
		spec.Data = in.Data
	}
	if in.Actions != nil {
		spec.Actions = r.normalizeActions(in.Actions)
	}
	// True unless the payload explicitly negates it.
	spec.RequireInteraction = in.RequireInteraction == nil || *in.RequireInteraction

	return spec
}

// normalizeActions drops duplicate action identifiers (the dispatch policy
// branches on them) and truncates to the platform button cap.
func (r *Renderer) normalizeActions(in []platform.NotificationAction) []platform.NotificationAction {
	seen := make(map[string]struct{}, len(in))
	out := make([]platform.NotificationAction, 0, MaxActions)
	for _, a := range in {
		if _, dup := seen[a.Action]; dup {
			r.log.Warn("dropping duplicate notification action", "action", a.Action)
			continue
		}
		seen[a.Action] = struct{}{}
		out = append(out, a)
		if len(out) == MaxActions {
			break
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
