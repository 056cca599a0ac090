package channel

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/capitalize-ai/sales-funnel/internal/model"
)

// Platform sample values injected by the developer dashboards "Test" buttons.
var syntheticIDs = map[string]struct{}{
	"123456123":   {},
	"16315551181": {},
	"16505551111": {},
	"12334":       {},
	"0":           {},
}

// Normalize converts a raw channel envelope into inbound events. Status
// updates, echoes, reads, and reactions yield no events.
func Normalize(channel model.Channel, raw []byte) ([]model.InboundEvent, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid json", model.ErrPayloadMalformed)
	}
	root := gjson.ParseBytes(raw)

	switch channel {
	case model.ChannelWhatsApp:
		return normalizeWhatsApp(root)
	case model.ChannelMessenger, model.ChannelInstagram:
		return normalizeMessaging(channel, root)
	case model.ChannelWeb:
		return normalizeWeb(root)
	}
	return nil, fmt.Errorf("%w: unknown channel %q", model.ErrPayloadMalformed, channel)
}

// RoutingIDs extracts the routing ids an envelope is addressed to, without a
// full parse. Used to resolve the connection before verification.
func RoutingIDs(channel model.Channel, raw []byte) []string {
	var paths []string
	switch channel {
	case model.ChannelWhatsApp:
		paths = []string{"entry.#.changes.#.value.metadata.phone_number_id"}
	case model.ChannelMessenger, model.ChannelInstagram:
		paths = []string{"entry.#.id"}
	case model.ChannelWeb:
		paths = []string{"widget"}
	}

	seen := map[string]struct{}{}
	var out []string
	var collect func(r gjson.Result)
	collect = func(r gjson.Result) {
		if r.IsArray() {
			for _, item := range r.Array() {
				collect(item)
			}
			return
		}
		if id := r.String(); id != "" {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	for _, p := range paths {
		collect(gjson.GetBytes(raw, p))
	}
	return out
}

// IsSyntheticTest reports platform-injected canary events.
func IsSyntheticTest(e model.InboundEvent) bool {
	if _, ok := syntheticIDs[e.RoutingID]; ok {
		return true
	}
	if _, ok := syntheticIDs[e.ExternalContactID]; ok {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(e.Text), "this is a text message")
}

func normalizeWhatsApp(root gjson.Result) ([]model.InboundEvent, error) {
	entries := root.Get("entry")
	if !entries.IsArray() {
		return nil, fmt.Errorf("%w: missing entry array", model.ErrPayloadMalformed)
	}

	var events []model.InboundEvent
	for _, entry := range entries.Array() {
		for _, change := range entry.Get("changes").Array() {
			value := change.Get("value")
			routingID := value.Get("metadata.phone_number_id").String()
			for _, m := range value.Get("messages").Array() {
				e := model.InboundEvent{
					Channel:           model.ChannelWhatsApp,
					RoutingID:         routingID,
					ExternalContactID: m.Get("from").String(),
					Timestamp:         unixSeconds(m.Get("timestamp")),
				}
				switch m.Get("type").String() {
				case "text":
					e.Kind = model.EventText
					e.Text = m.Get("text.body").String()
				case "audio", "voice":
					e.Kind = model.EventAudio
					e.MediaID = firstNonEmpty(m.Get("audio.id").String(), m.Get("voice.id").String())
				case "image":
					e.Kind = model.EventImage
					e.MediaID = m.Get("image.id").String()
					e.Text = m.Get("image.caption").String()
				case "button":
					e.Kind = model.EventPostback
					e.Text = firstNonEmpty(m.Get("button.text").String(), m.Get("button.payload").String())
				case "interactive":
					e.Kind = model.EventPostback
					e.Text = firstNonEmpty(
						m.Get("interactive.button_reply.title").String(),
						m.Get("interactive.list_reply.title").String(),
					)
				default:
					continue
				}
				if e.ExternalContactID == "" {
					continue
				}
				events = append(events, e)
			}
		}
	}
	return events, nil
}

func normalizeMessaging(channel model.Channel, root gjson.Result) ([]model.InboundEvent, error) {
	entries := root.Get("entry")
	if !entries.IsArray() {
		return nil, fmt.Errorf("%w: missing entry array", model.ErrPayloadMalformed)
	}

	var events []model.InboundEvent
	for _, entry := range entries.Array() {
		routingID := entry.Get("id").String()
		for _, m := range entry.Get("messaging").Array() {
			if m.Get("message.is_echo").Bool() {
				continue
			}
			base := model.InboundEvent{
				Channel:           channel,
				RoutingID:         routingID,
				ExternalContactID: m.Get("sender.id").String(),
				Timestamp:         unixMillis(m.Get("timestamp")),
			}
			if base.ExternalContactID == "" {
				continue
			}

			if pb := m.Get("postback"); pb.Exists() {
				e := base
				e.Kind = model.EventPostback
				e.Text = firstNonEmpty(pb.Get("title").String(), pb.Get("payload").String())
				events = append(events, e)
				continue
			}

			msg := m.Get("message")
			if !msg.Exists() {
				continue
			}
			if qr := msg.Get("quick_reply.payload"); qr.Exists() && msg.Get("text").String() == "" {
				e := base
				e.Kind = model.EventPostback
				e.Text = qr.String()
				events = append(events, e)
				continue
			}
			if text := msg.Get("text").String(); text != "" {
				e := base
				e.Kind = model.EventText
				e.Text = text
				events = append(events, e)
			}
			for _, att := range msg.Get("attachments").Array() {
				e := base
				e.MediaID = att.Get("payload.url").String()
				switch att.Get("type").String() {
				case "image":
					e.Kind = model.EventImage
				case "audio":
					e.Kind = model.EventAudio
				default:
					continue
				}
				if e.MediaID != "" {
					events = append(events, e)
				}
			}
		}
	}
	return events, nil
}

func normalizeWeb(root gjson.Result) ([]model.InboundEvent, error) {
	session := strings.TrimSpace(root.Get("session_id").String())
	if session == "" {
		return nil, fmt.Errorf("%w: missing session_id", model.ErrPayloadMalformed)
	}
	text := root.Get("text").String()
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: missing text", model.ErrPayloadMalformed)
	}
	return []model.InboundEvent{{
		Channel:           model.ChannelWeb,
		RoutingID:         root.Get("widget").String(),
		ExternalContactID: session,
		Kind:              model.EventText,
		Text:              text,
		Lang:              root.Get("lang").String(),
		Timestamp:         time.Now().UTC(),
	}}, nil
}

func unixSeconds(r gjson.Result) time.Time {
	if s := r.Int(); s > 0 {
		return time.Unix(s, 0).UTC()
	}
	return time.Now().UTC()
}

func unixMillis(r gjson.Result) time.Time {
	if ms := r.Int(); ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return time.Now().UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
