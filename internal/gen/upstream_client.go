package gen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"server/internal/apperr"
	"server/internal/httpx"
	"server/internal/payload"
	"server/internal/poll"
)

// HistoryItem is one generated artifact reference from an upstream
// item_list entry.
type HistoryItem struct {
	ImageURL string
	VideoURL string
}

// UpstreamClient submits a built envelope and fetches its history record.
// It is the seam the Smart Poller's fetch closure is built around.
type UpstreamClient interface {
	Submit(ctx context.Context, mwebBase string, credential string, env payload.Envelope) (historyID string, err error)
	FetchHistory(ctx context.Context, mwebBase string, credential string, historyID string) (poll.FetchResult, error)
}

// HTTPUpstreamClient talks to the real /mweb/v1 endpoints: it builds the
// request, POSTs it, decodes the JSON envelope and maps status codes to
// error kinds.
type HTTPUpstreamClient struct {
	Client *http.Client
}

func NewHTTPUpstreamClient(client *http.Client) *HTTPUpstreamClient {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPUpstreamClient{Client: client}
}

func (c *HTTPUpstreamClient) Submit(ctx context.Context, mwebBase, credential string, env payload.Envelope) (string, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return "", apperr.Wrap(apperr.InvalidRequest, "encode generation envelope", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mwebBase+"/mweb/v1/aigc_draft/generate", bytes.NewReader(body))
	if err != nil {
		return "", apperr.Wrap(apperr.UpstreamProtocolError, "build submit request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.Client.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.UpstreamProtocolError, "submit generation", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apperr.New(apperr.UpstreamProtocolError, fmt.Sprintf("submit status %d", resp.StatusCode))
	}

	var out struct {
		AigcData struct {
			HistoryRecordID string `json:"history_record_id"`
		} `json:"aigc_data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.Wrap(apperr.UpstreamProtocolError, "decode submit response", err)
	}
	if out.AigcData.HistoryRecordID == "" {
		return "", apperr.New(apperr.UpstreamProtocolError, "missing history_record_id")
	}
	return out.AigcData.HistoryRecordID, nil
}

func (c *HTTPUpstreamClient) FetchHistory(ctx context.Context, mwebBase, credential, historyID string) (poll.FetchResult, error) {
	body, _ := json.Marshal(map[string][]string{"history_ids": {historyID}})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mwebBase+"/mweb/v1/get_history_by_ids", bytes.NewReader(body))
	if err != nil {
		return poll.FetchResult{}, httpx.NonRetryable(apperr.Wrap(apperr.UpstreamProtocolError, "build history request", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.Client.Do(req)
	if err != nil {
		// A transport-level failure (connection reset, DNS hiccup) is
		// transient and worth the poller's normal retry budget.
		return poll.FetchResult{}, apperr.Wrap(apperr.UpstreamProtocolError, "fetch history", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// A 4xx is a definitive rejection (bad credential, bad request) that
		// retrying against the same history id will not resolve.
		return poll.FetchResult{}, httpx.NonRetryable(apperr.New(apperr.UpstreamProtocolError, fmt.Sprintf("history status %d", resp.StatusCode)))
	}
	if resp.StatusCode != http.StatusOK {
		return poll.FetchResult{}, apperr.New(apperr.UpstreamProtocolError, fmt.Sprintf("history status %d", resp.StatusCode))
	}

	var out map[string]struct {
		Status   string `json:"status"`
		FailCode int    `json:"fail_code"`
		ItemList []struct {
			ImageURL string `json:"image_url"`
			VideoURL string `json:"video_url"`
		} `json:"item_list"`
		Task struct {
			FinishTime int64 `json:"finish_time"`
		} `json:"task"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return poll.FetchResult{}, httpx.NonRetryable(apperr.Wrap(apperr.UpstreamProtocolError, "decode history response", err))
	}

	rec, ok := out[historyID]
	if !ok {
		return poll.FetchResult{}, httpx.NonRetryable(apperr.New(apperr.UpstreamProtocolError, "history id missing from response"))
	}

	items := make([]HistoryItem, 0, len(rec.ItemList))
	for _, it := range rec.ItemList {
		items = append(items, HistoryItem{ImageURL: it.ImageURL, VideoURL: it.VideoURL})
	}

	return poll.FetchResult{
		Status: poll.Status{
			State:         rec.Status,
			FailCode:      rec.FailCode,
			ItemCount:     len(rec.ItemList),
			FinishTime:    rec.Task.FinishTime,
			CorrelationID: historyID,
		},
		Data: items,
	}, nil
}
