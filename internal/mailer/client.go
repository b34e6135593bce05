package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"storefront-service/internal/models"
	"storefront-service/internal/pricing"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Message is the payload accepted by the mail relay
type Message struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Client posts e-mails to an HTTP mail relay
type Client struct {
	baseURL    string
	from       string
	httpClient *http.Client
}

// NewClient creates a mailer client. A nil httpClient gets a traced default.
func NewClient(baseURL, from string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		from:       from,
		httpClient: httpClient,
	}
}

// Send delivers msg; any non-2xx answer is an error
func (c *Client) Send(ctx context.Context, msg Message) error {
	if msg.From == "" {
		msg.From = c.from
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("email service returned status %d", resp.StatusCode)
	}
	return nil
}

// Compose builds the customer e-mail for a notification request
func Compose(event *models.NotificationRequestedEvent) (Message, error) {
	total := pricing.FormatINR(event.Total)

	switch event.Kind {
	case models.NotificationShippingNotice:
		return Message{
			To:      event.CustomerEmail,
			Subject: fmt.Sprintf("Your order #%d has shipped", event.OrderID),
			Body: fmt.Sprintf("Good news! Your order #%d (%d items, %s) is on its way.",
				event.OrderID, event.ItemCount, total),
		}, nil
	case models.NotificationDeliveryNotice:
		return Message{
			To:      event.CustomerEmail,
			Subject: fmt.Sprintf("Your order #%d has been delivered", event.OrderID),
			Body: fmt.Sprintf("Your order #%d (%d items, %s) has been delivered. Thank you for shopping with us.",
				event.OrderID, event.ItemCount, total),
		}, nil
	}
	return Message{}, fmt.Errorf("unknown notification kind %q", event.Kind)
}
