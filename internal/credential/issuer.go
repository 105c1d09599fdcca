package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPIssuer asks the credential service for a ticket:
//
//	POST <URL> {"client_id": 42, "client_secret": "...", "grant": "client_credentials"}
//	200 {"ticket": "..."}
type HTTPIssuer struct {
	URL    string
	client *http.Client
}

func NewHTTPIssuer(url string, timeout time.Duration) *HTTPIssuer {
	return &HTTPIssuer{URL: url, client: &http.Client{Timeout: timeout}}
}

type ticketRequest struct {
	ClientID     int64  `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Grant        string `json:"grant"`
}

type ticketResponse struct {
	Ticket string `json:"ticket"`
}

func (i *HTTPIssuer) IssueTicket(ctx context.Context, clientID int64, clientSecret, grant string) (string, error) {
	body, err := json.Marshal(ticketRequest{ClientID: clientID, ClientSecret: clientSecret, Grant: grant})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading ticket response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ticket service returned %d: %s", resp.StatusCode, data)
	}

	var out ticketResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decoding ticket response: %w", err)
	}
	if out.Ticket == "" {
		return "", fmt.Errorf("ticket service returned an empty ticket")
	}
	return out.Ticket, nil
}
