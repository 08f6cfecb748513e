// Package nzbget implements an NZBGet XML-RPC client.
package nzbget

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jamesrodda/Questarr-sub000/internal/downloader/types"
	"github.com/jamesrodda/Questarr-sub000/internal/downloader/xmlrpc"
)

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
		baseURL: baseURL + "/xmlrpc",
		log:     cfg.Logger().With().Str("client", "nzbget").Logger(),
	}
}

func (c *Client) Type() types.ClientType {
	return types.ClientTypeNZBGet
}

func (c *Client) Protocol() types.Protocol {
	return types.ProtocolUsenet
}

func (c *Client) call(ctx context.Context, method string, params ...any) (any, error) {
	reqBody, err := xmlrpc.Marshal(method, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to build XML-RPC request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml")
	if c.config.Username != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
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

	return xmlrpc.Unmarshal(body)
}

func (c *Client) Test(ctx context.Context) error {
	result, err := c.call(ctx, "version")
	if err != nil {
		return err
	}

	version, ok := result.(string)
	if !ok || version == "" {
		return fmt.Errorf("invalid version response from NZBGet")
	}

	return nil
}

// Add fetches the NZB locally and submits its content through the modern
// append signature. The daemon may not be able to reach a private indexer, so
// the payload is uploaded base64-encoded rather than passed as a URL. NZBGet
// answers with the queue id of the new group; zero or negative means it
// rejected the NZB.
func (c *Client) Add(ctx context.Context, req *types.DownloadRequest) (*types.AddResult, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("download URL must be provided")
	}

	content, err := c.fetchNZB(ctx, req.URL)
	if err != nil {
		return nil, err
	}

	category := req.Category
	if category == "" {
		category = c.config.Category
	}

	nzbName := req.Title
	if nzbName != "" && !strings.HasSuffix(nzbName, ".nzb") {
		nzbName += ".nzb"
	}

	result, err := c.call(ctx, "append",
		nzbName,                // NZBFilename
		xmlrpc.Base64(content), // Content
		category,               // Category
		req.Priority,           // Priority
		false,                  // AddToTop
		c.config.AddStopped,    // AddPaused
		"",                     // DupeKey
		0,                      // DupeScore
		"SCORE",                // DupeMode
		[]any{},                // PPParameters
	)
	if err != nil {
		return nil, err
	}

	id, ok := result.(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected append response type %T", result)
	}
	if id <= 0 {
		return &types.AddResult{
			Success: false,
			Message: fmt.Sprintf("NZBGet rejected the NZB: append returned ID %d", id),
		}, nil
	}

	return &types.AddResult{
		Success: true,
		ID:      strconv.FormatInt(id, 10),
		Message: "NZB added to NZBGet",
	}, nil
}

func (c *Client) fetchNZB(ctx context.Context, nzbURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, nzbURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create NZB fetch request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch NZB: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch NZB: unexpected status code %d", resp.StatusCode)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read NZB: %w", err)
	}

	return content, nil
}

// Status searches the active queue first, then history.
func (c *Client) Status(ctx context.Context, id string) (*types.DownloadStatus, error) {
	groups, err := c.listGroups(ctx)
	if err != nil {
		return nil, err
	}
	for i := range groups {
		if groups[i].ID == id {
			return &groups[i], nil
		}
	}

	history, err := c.listHistory(ctx)
	if err != nil {
		return nil, err
	}
	for i := range history {
		if history[i].ID == id {
			return &history[i], nil
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

	resp, err := c.call(ctx, "history", false)
	if err != nil {
		return nil, err
	}
	if rows, ok := resp.([]any); ok {
		for _, row := range rows {
			entry, ok := row.(map[string]any)
			if !ok || strconv.FormatInt(xmlrpc.Int(entry, "NZBID"), 10) != id {
				continue
			}
			details.DownloadDir = xmlrpc.String(entry, "DestDir")
			if ts := xmlrpc.Int(entry, "HistoryTime"); ts > 0 {
				details.CompletedAt = time.Unix(ts, 0)
			}
			break
		}
	}

	return details, nil
}

func (c *Client) List(ctx context.Context) ([]types.DownloadStatus, error) {
	groups, err := c.listGroups(ctx)
	if err != nil {
		return nil, err
	}
	history, err := c.listHistory(ctx)
	if err != nil {
		return nil, err
	}

	return append(groups, history...), nil
}

func (c *Client) Pause(ctx context.Context, id string) error {
	return c.editQueue(ctx, "GroupPause", id)
}

func (c *Client) Resume(ctx context.Context, id string) error {
	return c.editQueue(ctx, "GroupResume", id)
}

// Remove deletes the group from the queue, falling back to a history delete
// for finished downloads. NZBGet never deletes downloaded files through the
// queue API; deleteFiles is accepted for interface symmetry.
func (c *Client) Remove(ctx context.Context, id string, deleteFiles bool) error {
	if deleteFiles {
		c.log.Debug().Str("id", id).Msg("NZBGet cannot delete files through editqueue")
	}

	if err := c.editQueue(ctx, "GroupDelete", id); err == nil {
		return nil
	}
	return c.editQueue(ctx, "HistoryDelete", id)
}

func (c *Client) FreeSpace(ctx context.Context) (int64, error) {
	resp, err := c.call(ctx, "status")
	if err != nil {
		return 0, err
	}

	status, ok := resp.(map[string]any)
	if !ok {
		return 0, fmt.Errorf("unexpected status response type %T", resp)
	}

	return combineLoHi(xmlrpc.Int(status, "FreeDiskSpaceLo"), xmlrpc.Int(status, "FreeDiskSpaceHi")), nil
}

func (c *Client) editQueue(ctx context.Context, command, id string) error {
	numID, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("invalid NZBGet id %q: %w", id, err)
	}

	resp, err := c.call(ctx, "editqueue", command, 0, "", []int{numID})
	if err != nil {
		return err
	}

	if ok, isBool := resp.(bool); !isBool || !ok {
		return fmt.Errorf("NZBGet refused %s for id %s", command, id)
	}

	return nil
}

func (c *Client) listGroups(ctx context.Context) ([]types.DownloadStatus, error) {
	resp, err := c.call(ctx, "listgroups", 0)
	if err != nil {
		return nil, err
	}

	rows, ok := resp.([]any)
	if !ok {
		return []types.DownloadStatus{}, nil
	}

	items := make([]types.DownloadStatus, 0, len(rows))
	for _, row := range rows {
		group, ok := row.(map[string]any)
		if !ok {
			continue
		}
		items = append(items, mapGroup(group))
	}

	return items, nil
}

func (c *Client) listHistory(ctx context.Context) ([]types.DownloadStatus, error) {
	resp, err := c.call(ctx, "history", false)
	if err != nil {
		return nil, err
	}

	rows, ok := resp.([]any)
	if !ok {
		return []types.DownloadStatus{}, nil
	}

	items := make([]types.DownloadStatus, 0, len(rows))
	for _, row := range rows {
		entry, ok := row.(map[string]any)
		if !ok {
			continue
		}
		items = append(items, mapHistoryEntry(entry))
	}

	return items, nil
}

func mapGroup(group map[string]any) types.DownloadStatus {
	size := combineLoHi(xmlrpc.Int(group, "FileSizeLo"), xmlrpc.Int(group, "FileSizeHi"))
	remaining := combineLoHi(xmlrpc.Int(group, "RemainingSizeLo"), xmlrpc.Int(group, "RemainingSizeHi"))
	downloaded := size - remaining
	rate := xmlrpc.Int(group, "DownloadRate")

	var progress int
	if size > 0 {
		progress = int(downloaded * 100 / size)
	}

	var eta int64 = -1
	if rate > 0 && remaining > 0 {
		eta = remaining / rate
	}

	status := mapGroupStatus(xmlrpc.String(group, "Status"))

	item := types.DownloadStatus{
		ID:            strconv.FormatInt(xmlrpc.Int(group, "NZBID"), 10),
		Name:          xmlrpc.String(group, "NZBName"),
		Status:        status,
		Progress:      progress,
		Size:          size,
		Downloaded:    downloaded,
		DownloadSpeed: rate,
		ETA:           eta,
		Age:           time.Now().Unix() - xmlrpc.Int(group, "MinPostTime"),
		Category:      xmlrpc.String(group, "Category"),
	}

	switch status {
	case types.StatusRepairing:
		item.RepairStatus = types.RepairStatusRepairing
	case types.StatusUnpacking:
		item.UnpackStatus = types.UnpackStatusUnpacking
	}
	if xmlrpc.Int(group, "MinPostTime") == 0 {
		item.Age = 0
	}

	return item
}

func mapHistoryEntry(entry map[string]any) types.DownloadStatus {
	size := combineLoHi(xmlrpc.Int(entry, "FileSizeLo"), xmlrpc.Int(entry, "FileSizeHi"))
	status := mapHistoryStatus(xmlrpc.String(entry, "Status"))

	item := types.DownloadStatus{
		ID:         strconv.FormatInt(xmlrpc.Int(entry, "NZBID"), 10),
		Name:       xmlrpc.String(entry, "Name"),
		Status:     status,
		Size:       size,
		Downloaded: size,
		ETA:        -1,
		Category:   xmlrpc.String(entry, "Category"),
	}

	if status == types.StatusCompleted {
		item.Progress = 100
	}
	if status == types.StatusError {
		item.Error = xmlrpc.String(entry, "Status")
	}

	return item
}

// mapGroupStatus normalizes the active-queue status strings.
func mapGroupStatus(status string) types.Status {
	switch status {
	case "PAUSED":
		return types.StatusPaused
	case "LOADING_PARS", "VERIFYING_SOURCES", "REPAIRING", "VERIFYING_REPAIRED", "PP_QUEUED":
		return types.StatusRepairing
	case "UNPACKING", "MOVING", "EXECUTING_SCRIPT", "POST_UNPACK_RENAMING":
		return types.StatusUnpacking
	default:
		// QUEUED, DOWNLOADING, FETCHING
		return types.StatusDownloading
	}
}

// mapHistoryStatus handles the GROUP/DETAIL form ("SUCCESS/ALL",
// "FAILURE/PAR" and so on).
func mapHistoryStatus(status string) types.Status {
	switch {
	case strings.HasPrefix(status, "SUCCESS"), strings.HasPrefix(status, "WARNING"):
		return types.StatusCompleted
	case strings.HasPrefix(status, "FAILURE"), strings.HasPrefix(status, "DELETED"):
		return types.StatusError
	default:
		return types.StatusCompleted
	}
}

// combineLoHi joins NZBGet's split 32-bit size halves into one int64.
func combineLoHi(lo, hi int64) int64 {
	return hi<<32 | int64(uint32(lo))
}
