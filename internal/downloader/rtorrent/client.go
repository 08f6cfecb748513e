// Package rtorrent implements an rTorrent XML-RPC client.
package rtorrent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jamesrodda/Questarr-sub000/internal/downloader/digest"
	"github.com/jamesrodda/Questarr-sub000/internal/downloader/types"
	"github.com/jamesrodda/Questarr-sub000/internal/downloader/xmlrpc"
)

// fieldSelectors are the d.multicall2 fields used to list torrents.
var fieldSelectors = []string{
	"d.hash=",
	"d.name=",
	"d.base_path=",
	"d.custom1=",
	"d.size_bytes=",
	"d.left_bytes=",
	"d.down.rate=",
	"d.up.rate=",
	"d.ratio=",
	"d.state=",
	"d.complete=",
	"d.timestamp.finished=",
	"d.message=",
	"d.peers_complete=",
	"d.peers_accounted=",
}

type Client struct {
	config     types.ClientConfig
	httpClient *http.Client
	baseURL    string
	rpcPath    string
	log        zerolog.Logger
}

var _ types.Client = (*Client)(nil)

func NewFromConfig(cfg *types.ClientConfig) *Client {
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}

	urlBase := cfg.URLBase
	if urlBase == "" {
		urlBase = "RPC2"
	}
	urlBase = strings.Trim(urlBase, "/")

	rpcPath := "/" + urlBase

	return &Client{
		config: *cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: fmt.Sprintf("%s://%s:%d%s", scheme, cfg.Host, cfg.Port, rpcPath),
		rpcPath: rpcPath,
		log:     cfg.Logger().With().Str("client", "rtorrent").Logger(),
	}
}

func (c *Client) Type() types.ClientType {
	return types.ClientTypeRTorrent
}

func (c *Client) Protocol() types.Protocol {
	return types.ProtocolTorrent
}

func (c *Client) Test(ctx context.Context) error {
	result, err := c.call(ctx, "system.client_version")
	if err != nil {
		return err
	}

	version, ok := result.(string)
	if !ok || version == "" {
		return fmt.Errorf("invalid version response from rTorrent")
	}

	return nil
}

// Add submits a download. The torrent file is always fetched locally first
// (private trackers are often unreachable from the rTorrent host); the raw
// bytes are parsed only to recover an info-hash for bookkeeping and then
// uploaded via load.raw_start. A requested category is applied by a
// best-effort follow-up call.
func (c *Client) Add(ctx context.Context, req *types.DownloadRequest) (*types.AddResult, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("download URL must be provided")
	}

	if strings.HasPrefix(req.URL, "magnet:") {
		return c.addMagnet(ctx, req)
	}
	return c.addFile(ctx, req)
}

func (c *Client) addMagnet(ctx context.Context, req *types.DownloadRequest) (*types.AddResult, error) {
	methodName := "load.start"
	if c.config.AddStopped {
		methodName = "load.normal"
	}

	params := []any{"", req.URL}
	params = append(params, c.loadCommands(req)...)

	result, err := c.call(ctx, methodName, params...)
	if err != nil {
		return nil, err
	}
	if ret, ok := result.(int64); ok && ret != 0 {
		return nil, fmt.Errorf("rTorrent %s returned %d", methodName, ret)
	}

	hash := extractHashFromMagnet(req.URL)
	c.setCategory(ctx, hash, c.category(req))

	return c.addResult(hash), nil
}

func (c *Client) addFile(ctx context.Context, req *types.DownloadRequest) (*types.AddResult, error) {
	content, err := c.fetchTorrent(ctx, req.URL)
	if err != nil {
		return nil, err
	}

	// Local parse is bookkeeping only; an unparseable file still gets uploaded.
	hash := infoHashFromBytes(content)
	if hash == "" {
		c.log.Warn().Str("url", req.URL).Msg("Could not parse info-hash from torrent file")
	}

	methodName := "load.raw_start"
	if c.config.AddStopped {
		methodName = "load.raw"
	}

	params := []any{"", xmlrpc.Base64(content)}
	params = append(params, c.loadCommands(req)...)

	result, err := c.call(ctx, methodName, params...)
	if err != nil {
		return nil, err
	}
	if ret, ok := result.(int64); !ok || ret != 0 {
		return nil, fmt.Errorf("rTorrent %s returned %v, expected 0", methodName, result)
	}

	c.setCategory(ctx, hash, c.category(req))

	return c.addResult(hash), nil
}

func (c *Client) addResult(hash string) *types.AddResult {
	if hash == "" {
		return &types.AddResult{
			Success: true,
			Message: "torrent accepted by rTorrent but no info-hash could be derived; added but unverified",
		}
	}
	return &types.AddResult{
		Success: true,
		ID:      strings.ToLower(hash),
		Message: "torrent added to rTorrent",
	}
}

func (c *Client) category(req *types.DownloadRequest) string {
	if req.Category != "" {
		return req.Category
	}
	return c.config.Category
}

// setCategory stores the category in the d.custom1 field. Failures are logged
// and swallowed; the add has already succeeded.
func (c *Client) setCategory(ctx context.Context, hash, category string) {
	if hash == "" || category == "" {
		return
	}
	if _, err := c.call(ctx, "d.custom1.set", strings.ToUpper(hash), category); err != nil {
		c.log.Warn().Err(err).Str("hash", hash).Str("category", category).Msg("Failed to set torrent category")
	}
}

func (c *Client) loadCommands(req *types.DownloadRequest) []any {
	var params []any

	downloadDir := req.DownloadDir
	if downloadDir == "" {
		downloadDir = c.config.DownloadDir
	}
	if downloadDir != "" {
		params = append(params, "d.directory.set="+downloadDir)
	}

	return params
}

func (c *Client) Status(ctx context.Context, id string) (*types.DownloadStatus, error) {
	items, err := c.List(ctx)
	if err != nil {
		return nil, err
	}

	lowerID := strings.ToLower(id)
	for i := range items {
		if items[i].ID == lowerID {
			return &items[i], nil
		}
	}

	return nil, types.ErrNotFound
}

// Details queries individual d.* fields for one torrent plus f.multicall and
// t.multicall for its files and trackers.
func (c *Client) Details(ctx context.Context, id string) (*types.DownloadDetails, error) {
	status, err := c.Status(ctx, id)
	if err != nil {
		return nil, err
	}

	hash := strings.ToUpper(id)

	details := &types.DownloadDetails{
		DownloadStatus: *status,
		Hash:           strings.ToLower(id),
	}

	if dir, err := c.call(ctx, "d.directory", hash); err == nil {
		details.DownloadDir, _ = dir.(string)
	}
	if started, err := c.call(ctx, "d.timestamp.started", hash); err == nil {
		if ts, ok := started.(int64); ok && ts > 0 {
			details.AddedAt = time.Unix(ts, 0)
		}
	}
	if finished, err := c.call(ctx, "d.timestamp.finished", hash); err == nil {
		if ts, ok := finished.(int64); ok && ts > 0 {
			details.CompletedAt = time.Unix(ts, 0)
		}
	}

	files, err := c.call(ctx, "f.multicall", hash, "",
		"f.path=", "f.size_bytes=", "f.completed_chunks=", "f.size_chunks=", "f.priority=")
	if err != nil {
		return nil, fmt.Errorf("f.multicall: %w", err)
	}
	details.Files = mapFiles(files)

	trackers, err := c.call(ctx, "t.multicall", hash, "",
		"t.url=", "t.group=", "t.is_enabled=", "t.scrape_complete=", "t.scrape_incomplete=",
		"t.failed_counter=", "t.activity_time_last=", "t.activity_time_next=")
	if err != nil {
		return nil, fmt.Errorf("t.multicall: %w", err)
	}
	details.Trackers = mapTrackers(trackers)

	return details, nil
}

func (c *Client) List(ctx context.Context) ([]types.DownloadStatus, error) {
	params := []any{"", "main"}
	for _, sel := range fieldSelectors {
		params = append(params, sel)
	}

	resp, err := c.call(ctx, "d.multicall2", params...)
	if err != nil {
		return nil, err
	}

	outerArray, ok := resp.([]any)
	if !ok {
		return []types.DownloadStatus{}, nil
	}

	items := make([]types.DownloadStatus, 0, len(outerArray))
	for _, row := range outerArray {
		fields, ok := row.([]any)
		if !ok || len(fields) < len(fieldSelectors) {
			continue
		}
		items = append(items, mapTorrentFields(fields))
	}

	return items, nil
}

func (c *Client) Pause(ctx context.Context, id string) error {
	_, err := c.call(ctx, "d.stop", strings.ToUpper(id))
	return err
}

func (c *Client) Resume(ctx context.Context, id string) error {
	_, err := c.call(ctx, "d.start", strings.ToUpper(id))
	return err
}

func (c *Client) Remove(ctx context.Context, id string, deleteFiles bool) error {
	if deleteFiles {
		// d.erase never touches the payload; the caller keeps responsibility
		// for the files on disk.
		c.log.Debug().Str("id", id).Msg("rTorrent cannot delete files on erase")
	}
	_, err := c.call(ctx, "d.erase", strings.ToUpper(id))
	return err
}

// FreeSpace reports d.free_diskspace for the first item of the main view.
// An empty view yields 0 without error.
func (c *Client) FreeSpace(ctx context.Context) (int64, error) {
	resp, err := c.call(ctx, "d.multicall2", "", "main", "d.free_diskspace=")
	if err != nil {
		return 0, err
	}

	rows, ok := resp.([]any)
	if !ok || len(rows) == 0 {
		return 0, nil
	}
	fields, ok := rows[0].([]any)
	if !ok || len(fields) == 0 {
		return 0, nil
	}
	space, _ := fields[0].(int64)
	return space, nil
}

// fetchTorrent downloads the torrent file from the indexer with a three-stage
// repair ladder for HTTP 400: replace + with %20, then strip a trailing
// &file= parameter, then give up.
func (c *Client) fetchTorrent(ctx context.Context, url string) ([]byte, error) {
	attempts := []string{url}

	if repaired := strings.ReplaceAll(url, "+", "%20"); repaired != url {
		attempts = append(attempts, repaired)
	}
	last := attempts[len(attempts)-1]
	if idx := strings.Index(last, "&file="); idx >= 0 {
		attempts = append(attempts, last[:idx])
	}

	var lastErr error
	for i, attempt := range attempts {
		content, status, err := c.fetchOnce(ctx, attempt)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if status != http.StatusBadRequest {
			return nil, err
		}
		if i < len(attempts)-1 {
			c.log.Debug().Str("url", attempt).Msg("Torrent fetch returned 400, retrying with repaired URL")
		}
	}

	return nil, fmt.Errorf("failed to fetch torrent: %w", lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create fetch request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch torrent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("torrent fetch returned status %d", resp.StatusCode)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read torrent: %w", err)
	}

	return content, resp.StatusCode, nil
}

// call performs one XML-RPC exchange. Basic credentials are sent by default;
// a 401 carrying a Digest challenge is answered once with a computed Digest
// response, after which failure is terminal.
func (c *Client) call(ctx context.Context, method string, params ...any) (any, error) {
	reqBody, err := xmlrpc.Marshal(method, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to build XML-RPC request: %w", err)
	}

	resp, err := c.post(ctx, reqBody, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		challenge := resp.Header.Get("WWW-Authenticate")
		resp.Body.Close()

		if c.config.Username == "" || !digest.IsDigest(challenge) {
			return nil, types.ErrAuthFailed
		}

		ch, parseErr := digest.ParseChallenge(challenge)
		if parseErr != nil {
			return nil, fmt.Errorf("%w: %s", types.ErrAuthFailed, parseErr)
		}

		authHeader := ch.Authorize(http.MethodPost, c.rpcPath,
			c.config.Username, c.config.Password, uuid.NewString(), 1, reqBody)

		resp, err = c.post(ctx, reqBody, authHeader)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			return nil, types.ErrAuthFailed
		}
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

func (c *Client) post(ctx context.Context, body []byte, digestAuth string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "text/xml")

	switch {
	case digestAuth != "":
		req.Header.Set("Authorization", digestAuth)
	case c.config.Username != "":
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}

	return resp, nil
}

func mapTorrentFields(fields []any) types.DownloadStatus {
	hash := asString(fields[0])
	name := asString(fields[1])
	category := asString(fields[3])
	sizeBytes := asInt64(fields[4])
	leftBytes := asInt64(fields[5])
	downRate := asInt64(fields[6])
	upRate := asInt64(fields[7])
	ratio := asInt64(fields[8])
	state := asInt64(fields[9])
	complete := asInt64(fields[10])
	message := asString(fields[12])
	peersComplete := asInt64(fields[13])
	peersAccounted := asInt64(fields[14])

	downloaded := sizeBytes - leftBytes
	var progress float64
	if sizeBytes > 0 {
		progress = float64(downloaded) / float64(sizeBytes) * 100
	}

	var eta int64 = -1
	if downRate > 0 && leftBytes > 0 {
		eta = leftBytes / downRate
	}

	item := types.DownloadStatus{
		ID:            strings.ToLower(hash),
		Name:          name,
		Status:        mapStatus(state == 1, complete == 1, message),
		Progress:      int(progress),
		Size:          sizeBytes,
		Downloaded:    downloaded,
		DownloadSpeed: downRate,
		UploadSpeed:   upRate,
		ETA:           eta,
		Seeders:       int(peersComplete),
		Leechers:      int(peersAccounted),
		Ratio:         float64(ratio) / 1000, // d.ratio is per-mille
		Category:      category,
	}

	if item.Status == types.StatusError {
		item.Error = message
	}

	return item
}

// mapStatus derives the normalized status from state(0/1) x complete(0/1).
// 100% while stopped means completed; 100% while started means seeding; any
// non-empty message forces error.
func mapStatus(started, isComplete bool, message string) types.Status {
	if message != "" {
		return types.StatusError
	}
	if isComplete {
		if started {
			return types.StatusSeeding
		}
		return types.StatusCompleted
	}
	if started {
		return types.StatusDownloading
	}
	return types.StatusPaused
}

func mapFiles(resp any) []types.FileInfo {
	rows, ok := resp.([]any)
	if !ok {
		return nil
	}

	files := make([]types.FileInfo, 0, len(rows))
	for _, row := range rows {
		fields, ok := row.([]any)
		if !ok || len(fields) < 5 {
			continue
		}

		size := asInt64(fields[1])
		completedChunks := asInt64(fields[2])
		sizeChunks := asInt64(fields[3])
		priority := asInt64(fields[4])

		var progress float64
		if sizeChunks > 0 {
			progress = float64(completedChunks) / float64(sizeChunks) * 100
		}

		files = append(files, types.FileInfo{
			Name:     asString(fields[0]),
			Size:     size,
			Progress: int(progress),
			Priority: mapFilePriority(priority),
			Wanted:   priority > 0,
		})
	}

	return files
}

// f.priority: 0 = off, 1 = normal, 2 = high.
func mapFilePriority(priority int64) types.FilePriority {
	switch priority {
	case 0:
		return types.FilePriorityOff
	case 2:
		return types.FilePriorityHigh
	default:
		return types.FilePriorityNormal
	}
}

func mapTrackers(resp any) []types.TrackerInfo {
	rows, ok := resp.([]any)
	if !ok {
		return nil
	}

	trackers := make([]types.TrackerInfo, 0, len(rows))
	for _, row := range rows {
		fields, ok := row.([]any)
		if !ok || len(fields) < 8 {
			continue
		}

		enabled := asInt64(fields[2]) == 1
		failed := asInt64(fields[5]) > 0

		info := types.TrackerInfo{
			URL:      asString(fields[0]),
			Tier:     int(asInt64(fields[1])),
			Status:   mapTrackerStatus(enabled, failed),
			Seeders:  int(asInt64(fields[3])),
			Leechers: int(asInt64(fields[4])),
		}
		if last := asInt64(fields[6]); last > 0 {
			info.LastAnnounce = time.Unix(last, 0)
		}
		if next := asInt64(fields[7]); next > 0 {
			info.NextAnnounce = time.Unix(next, 0)
		}

		trackers = append(trackers, info)
	}

	return trackers
}

func mapTrackerStatus(enabled, failed bool) types.TrackerStatus {
	switch {
	case !enabled:
		return types.TrackerStatusInactive
	case failed:
		return types.TrackerStatusError
	default:
		return types.TrackerStatusWorking
	}
}

func infoHashFromBytes(content []byte) string {
	mi, err := metainfo.Load(bytes.NewReader(content))
	if err != nil {
		return ""
	}
	return strings.ToLower(mi.HashInfoBytes().HexString())
}

func extractHashFromMagnet(magnetURL string) string {
	parts := strings.SplitN(magnetURL, "?", 2)
	if len(parts) < 2 {
		return ""
	}

	for _, param := range strings.Split(parts[1], "&") {
		if strings.HasPrefix(param, "xt=urn:btih:") {
			return strings.ToLower(strings.TrimPrefix(param, "xt=urn:btih:"))
		}
	}

	return ""
}

func asString(v any) string {
	if val, ok := v.(string); ok {
		return val
	}
	return fmt.Sprintf("%v", v)
}

func asInt64(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	default:
		return 0
	}
}
