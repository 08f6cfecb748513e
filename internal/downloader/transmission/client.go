// Package transmission implements a Transmission RPC client.
package transmission

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jamesrodda/Questarr-sub000/internal/downloader/types"
)

const sessionIDHeader = "X-Transmission-Session-Id"

// statusFields is the torrent-get field list shared by List and Status.
var statusFields = []string{
	"id", "name", "status", "percentDone",
	"totalSize", "downloadDir", "hashString",
	"eta", "rateDownload", "rateUpload",
	"downloadedEver", "sizeWhenDone", "uploadRatio",
	"error", "errorString", "labels",
	"peersSendingToUs", "peersGettingFromUs",
}

// Client implements a Transmission RPC client that satisfies the types.Client
// interface. The session token is cached instance state; it stays empty until
// the first 409 response.
type Client struct {
	config     types.ClientConfig
	sessionID  string
	httpClient *http.Client
	log        zerolog.Logger
}

var _ types.Client = (*Client)(nil)

// NewFromConfig creates a client from a ClientConfig.
func NewFromConfig(cfg *types.ClientConfig) *Client {
	return &Client{
		config: *cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: cfg.Logger().With().Str("client", "transmission").Logger(),
	}
}

// Type returns the client type.
func (c *Client) Type() types.ClientType {
	return types.ClientTypeTransmission
}

// Protocol returns the protocol.
func (c *Client) Protocol() types.Protocol {
	return types.ProtocolTorrent
}

// Test verifies the client connection.
func (c *Client) Test(ctx context.Context) error {
	_, err := c.call(ctx, "session-get", nil)
	return err
}

// Add submits a download. Magnet URIs are passed by reference; any other URL
// is fetched locally first (the remote client may not be able to reach the
// indexer, e.g. behind a private tracker) and embedded base64 as metainfo.
// A torrent-duplicate response is a success, not a failure, so the fallback
// orchestrator never retries something already present.
func (c *Client) Add(ctx context.Context, req *types.DownloadRequest) (*types.AddResult, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("download URL must be provided")
	}

	args := map[string]any{}

	if strings.HasPrefix(req.URL, "magnet:") {
		args["filename"] = req.URL
	} else {
		content, err := c.fetchTorrent(ctx, req.URL)
		if err != nil {
			// The indexer may only be reachable from this host on a good day;
			// let Transmission try the URL itself before giving up.
			c.log.Warn().Err(err).Str("url", req.URL).Msg("Local torrent fetch failed, passing URL by reference")
			args["filename"] = req.URL
		} else {
			args["metainfo"] = base64.StdEncoding.EncodeToString(content)
		}
	}

	category := req.Category
	if category == "" {
		category = c.config.Category
	}

	downloadDir := req.DownloadDir
	if downloadDir == "" {
		downloadDir = c.config.DownloadDir
	}
	// Transmission has no native category field; emulate it with a
	// download-dir subdirectory plus a label.
	if category != "" {
		if downloadDir != "" {
			downloadDir = path.Join(downloadDir, category)
		}
		args["labels"] = []string{category}
	}
	if downloadDir != "" {
		args["download-dir"] = downloadDir
	}

	if c.config.AddStopped {
		args["paused"] = true
	}

	resp, err := c.call(ctx, "torrent-add", args)
	if err != nil {
		return nil, err
	}

	if dupe, ok := resp.Arguments["torrent-duplicate"].(map[string]any); ok {
		return &types.AddResult{
			Success:   true,
			Duplicate: true,
			ID:        torrentHash(dupe),
			Message:   "torrent already exists in Transmission",
		}, nil
	}

	added, ok := resp.Arguments["torrent-added"].(map[string]any)
	if !ok {
		return &types.AddResult{
			Success: true,
			Message: "torrent accepted but Transmission returned no id; added but unverified",
		}, nil
	}

	return &types.AddResult{
		Success: true,
		ID:      torrentHash(added),
		Message: "torrent added to Transmission",
	}, nil
}

// Status retrieves the normalized status of one torrent.
func (c *Client) Status(ctx context.Context, id string) (*types.DownloadStatus, error) {
	torrent, err := c.getTorrent(ctx, id, statusFields)
	if err != nil {
		return nil, err
	}

	status := c.mapToStatus(torrent)
	return &status, nil
}

// Details retrieves extended information about one torrent.
func (c *Client) Details(ctx context.Context, id string) (*types.DownloadDetails, error) {
	fields := append([]string{}, statusFields...)
	fields = append(fields,
		"files", "fileStats", "trackers", "trackerStats",
		"comment", "creator", "addedDate", "doneDate",
	)

	torrent, err := c.getTorrent(ctx, id, fields)
	if err != nil {
		return nil, err
	}

	details := &types.DownloadDetails{
		DownloadStatus: c.mapToStatus(torrent),
		Hash:           getString(torrent, "hashString"),
		DownloadDir:    getString(torrent, "downloadDir"),
		Comment:        getString(torrent, "comment"),
		Creator:        getString(torrent, "creator"),
	}

	if added := getInt64(torrent, "addedDate"); added > 0 {
		details.AddedAt = time.Unix(added, 0)
	}
	if done := getInt64(torrent, "doneDate"); done > 0 {
		details.CompletedAt = time.Unix(done, 0)
	}

	details.Files = mapFiles(torrent)
	details.Trackers = mapTrackers(torrent)

	return details, nil
}

// List returns all torrents.
func (c *Client) List(ctx context.Context) ([]types.DownloadStatus, error) {
	resp, err := c.call(ctx, "torrent-get", map[string]any{"fields": statusFields})
	if err != nil {
		return nil, err
	}

	torrentsRaw, ok := resp.Arguments["torrents"].([]any)
	if !ok {
		return []types.DownloadStatus{}, nil
	}

	items := make([]types.DownloadStatus, 0, len(torrentsRaw))
	for _, t := range torrentsRaw {
		torrent, ok := t.(map[string]any)
		if !ok {
			continue
		}
		items = append(items, c.mapToStatus(torrent))
	}

	return items, nil
}

// Pause stops a torrent.
func (c *Client) Pause(ctx context.Context, id string) error {
	_, err := c.call(ctx, "torrent-stop", map[string]any{"ids": []string{id}})
	return err
}

// Resume starts a torrent.
func (c *Client) Resume(ctx context.Context, id string) error {
	_, err := c.call(ctx, "torrent-start", map[string]any{"ids": []string{id}})
	return err
}

// Remove removes a torrent, optionally deleting its data.
func (c *Client) Remove(ctx context.Context, id string, deleteFiles bool) error {
	_, err := c.call(ctx, "torrent-remove", map[string]any{
		"ids":               []string{id},
		"delete-local-data": deleteFiles,
	})
	return err
}

// FreeSpace reports the free space of the download directory.
func (c *Client) FreeSpace(ctx context.Context) (int64, error) {
	dir := c.config.DownloadDir
	if dir == "" {
		resp, err := c.call(ctx, "session-get", nil)
		if err != nil {
			return 0, err
		}
		dir, _ = resp.Arguments["download-dir"].(string)
	}
	if dir == "" {
		return 0, fmt.Errorf("no download directory to query free space for")
	}

	resp, err := c.call(ctx, "free-space", map[string]any{"path": dir})
	if err != nil {
		return 0, err
	}

	return getInt64(resp.Arguments, "size-bytes"), nil
}

func (c *Client) getTorrent(ctx context.Context, id string, fields []string) (map[string]any, error) {
	resp, err := c.call(ctx, "torrent-get", map[string]any{
		"ids":    []string{id},
		"fields": fields,
	})
	if err != nil {
		return nil, err
	}

	torrentsRaw, ok := resp.Arguments["torrents"].([]any)
	if !ok || len(torrentsRaw) == 0 {
		return nil, types.ErrNotFound
	}

	torrent, ok := torrentsRaw[0].(map[string]any)
	if !ok {
		return nil, types.ErrNotFound
	}

	return torrent, nil
}

// fetchTorrent downloads the torrent file from the indexer.
func (c *Client) fetchTorrent(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetch request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch torrent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("torrent fetch returned status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// rpcRequest represents a Transmission RPC request.
type rpcRequest struct {
	Method    string         `json:"method"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// rpcResponse represents a Transmission RPC response.
type rpcResponse struct {
	Result    string         `json:"result"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, args map[string]any) (*rpcResponse, error) {
	return c.doCall(ctx, method, args, false)
}

// doCall performs one RPC exchange. On 409 it captures the server's session
// id and retries exactly once; a second conflict is terminal.
func (c *Client) doCall(ctx context.Context, method string, args map[string]any, retried bool) (*rpcResponse, error) {
	req, err := c.buildRPCRequest(ctx, method, args)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		if retried {
			return nil, fmt.Errorf("session id rejected twice by Transmission")
		}
		c.sessionID = resp.Header.Get(sessionIDHeader)
		if c.sessionID == "" {
			return nil, fmt.Errorf("received 409 but no session id in response")
		}
		return c.doCall(ctx, method, args, true)
	}

	return c.parseRPCResponse(resp)
}

func (c *Client) buildRPCRequest(ctx context.Context, method string, args map[string]any) (*http.Request, error) {
	scheme := "http"
	if c.config.UseSSL {
		scheme = "https"
	}
	urlBase := strings.Trim(c.config.URLBase, "/")
	if urlBase == "" {
		urlBase = "transmission"
	}
	url := fmt.Sprintf("%s://%s:%d/%s/rpc", scheme, c.config.Host, c.config.Port, urlBase)

	body, err := json.Marshal(rpcRequest{Method: method, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.sessionID != "" {
		req.Header.Set(sessionIDHeader, c.sessionID)
	}
	if c.config.Username != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}

	return req, nil
}

func (c *Client) parseRPCResponse(resp *http.Response) (*rpcResponse, error) {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, types.ErrAuthFailed
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if rpcResp.Result != "success" {
		return nil, fmt.Errorf("RPC error: %s", rpcResp.Result)
	}

	return &rpcResp, nil
}

// mapToStatus converts a Transmission torrent response to a DownloadStatus.
func (c *Client) mapToStatus(torrent map[string]any) types.DownloadStatus {
	progress := getFloat(torrent, "percentDone") * 100

	item := types.DownloadStatus{
		ID:            getString(torrent, "hashString"),
		Name:          getString(torrent, "name"),
		Status:        mapStatus(int(getInt64(torrent, "status")), progress),
		Progress:      clampProgress(progress),
		Size:          getInt64(torrent, "sizeWhenDone"),
		Downloaded:    getInt64(torrent, "downloadedEver"),
		DownloadSpeed: getInt64(torrent, "rateDownload"),
		UploadSpeed:   getInt64(torrent, "rateUpload"),
		ETA:           getInt64(torrent, "eta"),
		Seeders:       int(getInt64(torrent, "peersSendingToUs")),
		Leechers:      int(getInt64(torrent, "peersGettingFromUs")),
		Ratio:         getFloat(torrent, "uploadRatio"),
	}

	if labels, ok := torrent["labels"].([]any); ok && len(labels) > 0 {
		item.Category, _ = labels[0].(string)
	}

	// Any non-empty error string forces error status.
	if errStr := getString(torrent, "errorString"); errStr != "" {
		item.Error = errStr
		item.Status = types.StatusError
	}

	return item
}

func torrentHash(m map[string]any) string {
	if hash, ok := m["hashString"].(string); ok {
		return hash
	}
	if id, ok := m["id"].(float64); ok {
		return fmt.Sprintf("%d", int64(id))
	}
	return ""
}

// mapStatus maps Transmission numeric status codes onto the normalized set.
// A torrent at 100% that still reports downloading is promoted to seeding.
func mapStatus(status int, progress float64) types.Status {
	switch status {
	case 0: // stopped
		return types.StatusPaused
	case 1, 2, 3, 5: // check/download/seed queues and verifying
		return types.StatusDownloading
	case 4: // downloading
		if progress >= 100 {
			return types.StatusSeeding
		}
		return types.StatusDownloading
	case 6: // seeding
		return types.StatusSeeding
	default:
		return types.StatusDownloading
	}
}

func mapFiles(torrent map[string]any) []types.FileInfo {
	filesRaw, _ := torrent["files"].([]any)
	statsRaw, _ := torrent["fileStats"].([]any)
	if len(filesRaw) == 0 {
		return nil
	}

	files := make([]types.FileInfo, 0, len(filesRaw))
	for i, f := range filesRaw {
		file, ok := f.(map[string]any)
		if !ok {
			continue
		}

		size := getInt64(file, "length")
		done := getInt64(file, "bytesCompleted")
		var progress float64
		if size > 0 {
			progress = float64(done) / float64(size) * 100
		}

		info := types.FileInfo{
			Name:     getString(file, "name"),
			Size:     size,
			Progress: clampProgress(progress),
			Priority: types.FilePriorityNormal,
			Wanted:   true,
		}

		if i < len(statsRaw) {
			if stat, ok := statsRaw[i].(map[string]any); ok {
				info.Wanted = getBool(stat, "wanted")
				info.Priority = mapFilePriority(int(getInt64(stat, "priority")), info.Wanted)
			}
		}

		files = append(files, info)
	}

	return files
}

func mapFilePriority(priority int, wanted bool) types.FilePriority {
	if !wanted {
		return types.FilePriorityOff
	}
	switch {
	case priority < 0:
		return types.FilePriorityLow
	case priority > 0:
		return types.FilePriorityHigh
	default:
		return types.FilePriorityNormal
	}
}

func mapTrackers(torrent map[string]any) []types.TrackerInfo {
	statsRaw, _ := torrent["trackerStats"].([]any)
	if len(statsRaw) == 0 {
		return nil
	}

	trackers := make([]types.TrackerInfo, 0, len(statsRaw))
	for _, s := range statsRaw {
		stat, ok := s.(map[string]any)
		if !ok {
			continue
		}

		info := types.TrackerInfo{
			URL:      getString(stat, "announce"),
			Tier:     int(getInt64(stat, "tier")),
			Status:   mapTrackerStatus(stat),
			Seeders:  int(getInt64(stat, "seederCount")),
			Leechers: int(getInt64(stat, "leecherCount")),
		}

		if last := getInt64(stat, "lastAnnounceTime"); last > 0 {
			info.LastAnnounce = time.Unix(last, 0)
		}
		if next := getInt64(stat, "nextAnnounceTime"); next > 0 {
			info.NextAnnounce = time.Unix(next, 0)
		}
		if !getBool(stat, "lastAnnounceSucceeded") {
			info.Message = getString(stat, "lastAnnounceResult")
		}

		trackers = append(trackers, info)
	}

	return trackers
}

func mapTrackerStatus(stat map[string]any) types.TrackerStatus {
	if getBool(stat, "hasAnnounced") && !getBool(stat, "lastAnnounceSucceeded") {
		return types.TrackerStatusError
	}
	switch getInt64(stat, "announceState") {
	case 1, 2: // waiting or queued to announce
		return types.TrackerStatusUpdating
	case 3: // announcing now
		return types.TrackerStatusUpdating
	default:
		if getBool(stat, "lastAnnounceSucceeded") {
			return types.TrackerStatusWorking
		}
		return types.TrackerStatusInactive
	}
}

func clampProgress(p float64) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return int(p)
	}
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(m map[string]any, key string) int64 {
	if v, ok := m[key].(float64); ok {
		return int64(v)
	}
	return 0
}

func getFloat(m map[string]any, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

func getBool(m map[string]any, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}
