package client

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"chat-realtime/internal/models"
)

const fetchPageSize = 200

// APIClient reads chat history from the request/response API.
type APIClient struct {
	http *resty.Client
}

// NewAPIClient builds a client for baseURL authenticating with token.
func NewAPIClient(baseURL, token string) *APIClient {
	c := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(token).
		SetTimeout(10*time.Second).
		SetHeader("Accept", "application/json")
	return &APIClient{http: c}
}

// FetchMessages returns every message of chatID with an order key above
// after, following pages until the server reports no more.
func (a *APIClient) FetchMessages(ctx context.Context, chatID, after int64) ([]models.Message, error) {
	var all []models.Message
	for {
		var page models.MessagePage
		var apiErr struct {
			Error string `json:"error"`
		}
		resp, err := a.http.R().
			SetContext(ctx).
			SetPathParam("chatID", strconv.FormatInt(chatID, 10)).
			SetQueryParams(map[string]string{
				"after": strconv.FormatInt(after, 10),
				"limit": strconv.Itoa(fetchPageSize),
			}).
			SetResult(&page).
			SetError(&apiErr).
			Get("/chats/{chatID}/messages")
		if err != nil {
			return nil, fmt.Errorf("fetch messages chat_id=%d: %w", chatID, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("fetch messages chat_id=%d: status %d: %s", chatID, resp.StatusCode(), apiErr.Error)
		}

		all = append(all, page.Messages...)
		if !page.HasMore || len(page.Messages) == 0 {
			return all, nil
		}
		after = page.Messages[len(page.Messages)-1].OrderKey
	}
}
