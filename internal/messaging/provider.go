package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrTransport wraps every network/provider-side failure so callers can
// treat it as "logged as Failed, attempt still counted".
var ErrTransport = errors.New("messaging transport error")

// Provider is the async boundary to the messaging vendor. instanceID is the
// provider-side id of the sending account (Channel.ExternalInstanceID).
type Provider interface {
	Send(ctx context.Context, instanceID, phone, text string) (externalMessageID string, err error)
}

// WhatsAppCloud talks to the WhatsApp Cloud API (graph.facebook.com).
type WhatsAppCloud struct {
	accessToken string
	baseURL     string
	httpClient  *http.Client
}

func NewWhatsAppCloud(accessToken, baseURL string, timeout time.Duration) (*WhatsAppCloud, error) {
	if accessToken == "" {
		return nil, errors.New("whatsapp access token is required")
	}
	if baseURL == "" {
		baseURL = "https://graph.facebook.com/v18.0"
	}
	return &WhatsAppCloud{
		accessToken: accessToken,
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

type textMessage struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		PreviewURL bool   `json:"preview_url"`
		Body       string `json:"body"`
	} `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (w *WhatsAppCloud) Send(ctx context.Context, instanceID, phone, text string) (string, error) {
	msg := textMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               phone,
		Type:             "text",
	}
	msg.Text.Body = text

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", w.baseURL, instanceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", ErrTransport, resp.StatusCode, string(body))
	}

	var parsed sendResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: unmarshal response: %v", ErrTransport, err)
	}
	if len(parsed.Messages) == 0 {
		return "", fmt.Errorf("%w: no message id in response", ErrTransport)
	}

	return parsed.Messages[0].ID, nil
}
