package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/capitalize-ai/sales-funnel/internal/model"
)

// Sender delivers a text reply to a contact on a channel.
type Sender interface {
	SendText(ctx context.Context, conn *model.ChannelConnection, to, text string) error
	Supports(ch model.Channel) bool
}

// MediaFetcher downloads an inbound attachment.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, conn *model.ChannelConnection, mediaID string) ([]byte, string, error)
}

const maxMediaBytes = 16 << 20

// GraphClient talks to the Graph API for WhatsApp, Messenger, and Instagram.
type GraphClient struct {
	baseURL    string
	version    string
	httpClient *http.Client
}

// NewGraphClient creates a Graph API client.
func NewGraphClient(baseURL, version string) *GraphClient {
	return &GraphClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		version:    version,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Supports reports whether the channel has an outbound API.
func (g *GraphClient) Supports(ch model.Channel) bool {
	switch ch {
	case model.ChannelWhatsApp, model.ChannelMessenger, model.ChannelInstagram:
		return true
	}
	return false
}

type waTextMessage struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

type pageMessage struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	MessagingType string `json:"messaging_type"`
	Message       struct {
		Text string `json:"text"`
	} `json:"message"`
}

// SendText posts a text message through the connection's routing id.
func (g *GraphClient) SendText(ctx context.Context, conn *model.ChannelConnection, to, text string) error {
	if conn == nil || conn.AccessToken == "" {
		return fmt.Errorf("graph send: %w", model.ErrMissingCredential)
	}
	if !g.Supports(conn.Channel) {
		return fmt.Errorf("graph send on %s: %w", conn.Channel, model.ErrUnsupported)
	}
	text = CapBytes(text, LimitsFor(conn.Channel).MaxPayload)

	var payload any
	if conn.Channel == model.ChannelWhatsApp {
		m := waTextMessage{MessagingProduct: "whatsapp", RecipientType: "individual", To: to, Type: "text"}
		m.Text.Body = text
		payload = m
	} else {
		m := pageMessage{MessagingType: "RESPONSE"}
		m.Recipient.ID = to
		m.Message.Text = text
		payload = m
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("graph marshal: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", g.baseURL, g.version, conn.RoutingID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("graph request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &model.UpstreamHTTPError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

// FetchMedia downloads an attachment. WhatsApp media ids are resolved to a
// download URL first; Messenger and Instagram already deliver a URL.
func (g *GraphClient) FetchMedia(ctx context.Context, conn *model.ChannelConnection, mediaID string) ([]byte, string, error) {
	if strings.HasPrefix(mediaID, "https://") || strings.HasPrefix(mediaID, "http://") {
		return g.download(ctx, mediaID, "")
	}
	if conn == nil || conn.AccessToken == "" {
		return nil, "", fmt.Errorf("graph media: %w", model.ErrMissingCredential)
	}

	url := fmt.Sprintf("%s/%s/%s", g.baseURL, g.version, mediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("graph media request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("graph media lookup: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, "", &model.UpstreamHTTPError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var meta struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, "", fmt.Errorf("graph media decode: %w", err)
	}
	if meta.URL == "" {
		return nil, "", fmt.Errorf("graph media %s: empty url", mediaID)
	}
	data, mime, err := g.download(ctx, meta.URL, conn.AccessToken)
	if meta.MimeType != "" {
		mime = meta.MimeType
	}
	return data, mime, err
}

func (g *GraphClient) download(ctx context.Context, url, token string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("media request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("media download: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return nil, "", &model.UpstreamHTTPError{Status: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return nil, "", fmt.Errorf("media read: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// CapBytes truncates s to at most n bytes without splitting a rune.
func CapBytes(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
