// Package sabnzbd implements a SABnzbd API client.
package sabnzbd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jamesrodda/Questarr-sub000/internal/downloader/types"
)

type queueResponse struct {
	Queue struct {
		DiskSpace1 string      `json:"diskspace1"` // GB remaining, string-encoded float
		Paused     bool        `json:"paused"`
		Slots      []queueSlot `json:"slots"`
	} `json:"queue"`
}

type queueSlot struct {
	NzoID      string `json:"nzo_id"`
	Filename   string `json:"filename"`
	Status     string `json:"status"`
	Category   string `json:"cat"`
	MB         string `json:"mb"`
	MBLeft     string `json:"mbleft"`
	Percentage string `json:"percentage"`
	TimeLeft   string `json:"timeleft"` // "H:MM:SS"
	AvgAge     string `json:"avg_age"`  // "2895d"
}

type historyResponse struct {
	History struct {
		Slots []historySlot `json:"slots"`
	} `json:"history"`
}

type historySlot struct {
	NzoID       string `json:"nzo_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Category    string `json:"category"`
	Bytes       int64  `json:"bytes"`
	FailMessage string `json:"fail_message"`
	Completed   int64  `json:"completed"` // unix timestamp
	Storage     string `json:"storage"`
	ActionLine  string `json:"action_line"`
}

type addResponse struct {
	Status bool     `json:"status"`
	NzoIDs []string `json:"nzo_ids"`
	Error  string   `json:"error"`
}

type Client struct {
	config     types.ClientConfig
	httpClient *http.Client
	baseURL    string
	log        zerolog.Logger
}

var _ types.Client = (*Client)(nil)

func NewFromConfig(cfg *types.ClientConfig) *Client {
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}

	baseURL := fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)
	if urlBase := strings.Trim(cfg.URLBase, "/"); urlBase != "" {
		baseURL += "/" + urlBase
	}

	return &Client{
		config: *cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: baseURL + "/api",
		log:     cfg.Logger().With().Str("client", "sabnzbd").Logger(),
	}
}

func (c *Client) Type() types.ClientType {
	return types.ClientTypeSABnzbd
}

func (c *Client) Protocol() types.Protocol {
	return types.ProtocolUsenet
}

// call issues one API request. Every call carries the apikey and asks for
// JSON output; the mode parameter selects the operation.
func (c *Client) call(ctx context.Context, mode string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("mode", mode)
	params.Set("output", "json")
	params.Set("apikey", c.config.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, types.ErrAuthFailed
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// SABnzbd reports missing or wrong API keys with HTTP 200 and an error
	// field.
	var apiErr struct {
		Status *bool  `json:"status"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Status != nil && !*apiErr.Status && apiErr.Error != "" {
		if strings.Contains(strings.ToLower(apiErr.Error), "api key") {
			return nil, fmt.Errorf("%w: %s", types.ErrAuthFailed, apiErr.Error)
		}
	}

	return body, nil
}

func (c *Client) Test(ctx context.Context) error {
	body, err := c.call(ctx, "version", nil)
	if err != nil {
		return err
	}

	var version struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &version); err != nil || version.Version == "" {
		return fmt.Errorf("invalid version response from SABnzbd")
	}

	// mode=version works without a key; probe the queue to validate it.
	if _, err := c.call(ctx, "queue", nil); err != nil {
		return err
	}

	return nil
}

// Add submits an NZB URL via mode=addurl. SABnzbd reports duplicates two
// ways, both treated as success: an OK answer with an empty nzo_ids list
// (merged or rejected as a known duplicate), or a failure whose error text
// mentions "duplicate".
func (c *Client) Add(ctx context.Context, req *types.DownloadRequest) (*types.AddResult, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("download URL must be provided")
	}

	params := url.Values{"name": {req.URL}}
	if req.Title != "" {
		params.Set("nzbname", req.Title)
	}

	category := req.Category
	if category == "" {
		category = c.config.Category
	}
	if category != "" {
		params.Set("cat", category)
	}

	if req.Priority != 0 {
		params.Set("priority", strconv.Itoa(req.Priority))
	}
	if c.config.AddStopped {
		params.Set("priority", "-2") // paused
	}

	body, err := c.call(ctx, "addurl", params)
	if err != nil {
		return nil, err
	}

	var result addResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse addurl response: %w", err)
	}

	if !result.Status {
		if strings.Contains(strings.ToLower(result.Error), "duplicate") {
			return &types.AddResult{
				Success:   true,
				Duplicate: true,
				Message:   "NZB already known to SABnzbd: " + result.Error,
			}, nil
		}
		return &types.AddResult{
			Success: false,
			Message: result.Error,
		}, nil
	}

	if len(result.NzoIDs) == 0 {
		return &types.AddResult{
			Success:   true,
			Duplicate: true,
			Message:   "SABnzbd accepted the NZB without an id; likely duplicate or merged",
		}, nil
	}

	return &types.AddResult{
		Success: true,
		ID:      result.NzoIDs[0],
		Message: "NZB added to SABnzbd",
	}, nil
}

// Status looks the id up in the active queue first and falls back to history,
// where finished and failed downloads land.
func (c *Client) Status(ctx context.Context, id string) (*types.DownloadStatus, error) {
	queue, err := c.getQueue(ctx)
	if err != nil {
		return nil, err
	}
	for i := range queue.Queue.Slots {
		if queue.Queue.Slots[i].NzoID == id {
			status := mapQueueSlot(&queue.Queue.Slots[i])
			return &status, nil
		}
	}

	history, err := c.getHistory(ctx)
	if err != nil {
		return nil, err
	}
	for i := range history.History.Slots {
		if history.History.Slots[i].NzoID == id {
			status := mapHistorySlot(&history.History.Slots[i])
			return &status, nil
		}
	}

	return nil, types.ErrNotFound
}

func (c *Client) Details(ctx context.Context, id string) (*types.DownloadDetails, error) {
	status, err := c.Status(ctx, id)
	if err != nil {
		return nil, err
	}

	details := &types.DownloadDetails{
		DownloadStatus: *status,
	}

	history, err := c.getHistory(ctx)
	if err != nil {
		return nil, err
	}
	for i := range history.History.Slots {
		slot := &history.History.Slots[i]
		if slot.NzoID != id {
			continue
		}
		details.DownloadDir = slot.Storage
		if slot.Completed > 0 {
			details.CompletedAt = time.Unix(slot.Completed, 0)
		}
		break
	}

	return details, nil
}

func (c *Client) List(ctx context.Context) ([]types.DownloadStatus, error) {
	queue, err := c.getQueue(ctx)
	if err != nil {
		return nil, err
	}
	history, err := c.getHistory(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]types.DownloadStatus, 0, len(queue.Queue.Slots)+len(history.History.Slots))
	for i := range queue.Queue.Slots {
		items = append(items, mapQueueSlot(&queue.Queue.Slots[i]))
	}
	for i := range history.History.Slots {
		items = append(items, mapHistorySlot(&history.History.Slots[i]))
	}

	return items, nil
}

func (c *Client) Pause(ctx context.Context, id string) error {
	return c.queueCommand(ctx, "pause", id)
}

func (c *Client) Resume(ctx context.Context, id string) error {
	return c.queueCommand(ctx, "resume", id)
}

// Remove deletes from the queue, falling back to history deletion for
// downloads that already finished.
func (c *Client) Remove(ctx context.Context, id string, deleteFiles bool) error {
	delFiles := "0"
	if deleteFiles {
		delFiles = "1"
	}

	params := url.Values{"name": {"delete"}, "value": {id}, "del_files": {delFiles}}
	body, err := c.call(ctx, "queue", params)
	if err != nil {
		return err
	}
	if commandAccepted(body) {
		return nil
	}

	params = url.Values{"name": {"delete"}, "value": {id}, "del_files": {delFiles}}
	body, err = c.call(ctx, "history", params)
	if err != nil {
		return err
	}
	if !commandAccepted(body) {
		return types.ErrNotFound
	}

	return nil
}

func (c *Client) FreeSpace(ctx context.Context) (int64, error) {
	queue, err := c.getQueue(ctx)
	if err != nil {
		return 0, err
	}

	gb, err := strconv.ParseFloat(queue.Queue.DiskSpace1, 64)
	if err != nil {
		return 0, nil
	}

	return int64(gb * 1024 * 1024 * 1024), nil
}

func (c *Client) queueCommand(ctx context.Context, name, id string) error {
	body, err := c.call(ctx, "queue", url.Values{"name": {name}, "value": {id}})
	if err != nil {
		return err
	}
	if !commandAccepted(body) {
		return types.ErrNotFound
	}
	return nil
}

func commandAccepted(body []byte) bool {
	var result struct {
		Status bool `json:"status"`
	}
	return json.Unmarshal(body, &result) == nil && result.Status
}

func (c *Client) getQueue(ctx context.Context) (*queueResponse, error) {
	body, err := c.call(ctx, "queue", nil)
	if err != nil {
		return nil, err
	}

	var queue queueResponse
	if err := json.Unmarshal(body, &queue); err != nil {
		return nil, fmt.Errorf("failed to parse queue response: %w", err)
	}

	return &queue, nil
}

func (c *Client) getHistory(ctx context.Context) (*historyResponse, error) {
	body, err := c.call(ctx, "history", nil)
	if err != nil {
		return nil, err
	}

	var history historyResponse
	if err := json.Unmarshal(body, &history); err != nil {
		return nil, fmt.Errorf("failed to parse history response: %w", err)
	}

	return &history, nil
}

func mapQueueSlot(slot *queueSlot) types.DownloadStatus {
	sizeMB, _ := strconv.ParseFloat(slot.MB, 64)
	leftMB, _ := strconv.ParseFloat(slot.MBLeft, 64)
	progress, _ := strconv.Atoi(slot.Percentage)

	size := int64(sizeMB * 1024 * 1024)
	left := int64(leftMB * 1024 * 1024)

	eta := parseTimeLeft(slot.TimeLeft)

	item := types.DownloadStatus{
		ID:         slot.NzoID,
		Name:       slot.Filename,
		Status:     mapQueueStatus(slot.Status),
		Progress:   progress,
		Size:       size,
		Downloaded: size - left,
		ETA:        eta,
		Age:        parseAvgAge(slot.AvgAge),
		Category:   slot.Category,
	}

	if eta > 0 && left > 0 {
		item.DownloadSpeed = left / eta
	}

	switch item.Status {
	case types.StatusRepairing:
		item.RepairStatus = types.RepairStatusRepairing
	case types.StatusUnpacking:
		item.UnpackStatus = types.UnpackStatusUnpacking
	}

	return item
}

func mapHistorySlot(slot *historySlot) types.DownloadStatus {
	item := types.DownloadStatus{
		ID:         slot.NzoID,
		Name:       slot.Name,
		Status:     mapHistoryStatus(slot.Status),
		Size:       slot.Bytes,
		Downloaded: slot.Bytes,
		ETA:        -1,
		Category:   slot.Category,
	}

	if item.Status == types.StatusCompleted {
		item.Progress = 100
	}
	if item.Status == types.StatusError {
		item.Error = slot.FailMessage
	}

	switch item.Status {
	case types.StatusRepairing:
		item.RepairStatus = types.RepairStatusRepairing
	case types.StatusUnpacking:
		item.UnpackStatus = types.UnpackStatusUnpacking
	}

	return item
}

func mapQueueStatus(status string) types.Status {
	switch status {
	case "Paused":
		return types.StatusPaused
	case "Repairing", "Verifying", "QuickCheck", "Checking":
		return types.StatusRepairing
	case "Extracting":
		return types.StatusUnpacking
	default:
		// Downloading, Queued, Grabbing, Fetching, Propagating
		return types.StatusDownloading
	}
}

func mapHistoryStatus(status string) types.Status {
	switch status {
	case "Completed":
		return types.StatusCompleted
	case "Failed":
		return types.StatusError
	case "Repairing", "Verifying", "QuickCheck":
		return types.StatusRepairing
	case "Extracting", "Running", "Moving":
		return types.StatusUnpacking
	default:
		return types.StatusDownloading
	}
}

// parseTimeLeft converts SABnzbd's "H:MM:SS" (or "D:HH:MM:SS") estimate to
// seconds. Anything unparseable, including the idle "0:00:00", reports -1.
func parseTimeLeft(timeLeft string) int64 {
	parts := strings.Split(timeLeft, ":")
	if len(parts) < 3 || len(parts) > 4 {
		return -1
	}

	nums := make([]int64, len(parts))
	for i, part := range parts {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return -1
		}
		nums[i] = n
	}

	var seconds int64
	if len(nums) == 4 {
		seconds = nums[0] * 86400
		nums = nums[1:]
	}
	seconds += nums[0]*3600 + nums[1]*60 + nums[2]

	if seconds <= 0 {
		return -1
	}
	return seconds
}

// parseAvgAge converts SABnzbd's "2895d" style age to seconds.
func parseAvgAge(age string) int64 {
	age = strings.TrimSpace(age)
	if age == "" || age == "-" {
		return 0
	}

	unit := age[len(age)-1]
	n, err := strconv.ParseInt(age[:len(age)-1], 10, 64)
	if err != nil {
		return 0
	}

	switch unit {
	case 'd':
		return n * 86400
	case 'h':
		return n * 3600
	case 'm':
		return n * 60
	default:
		return 0
	}
}
