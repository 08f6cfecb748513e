// Package qbittorrent implements a qBittorrent WebUI API v2 client.
package qbittorrent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/rs/zerolog"

	"github.com/jamesrodda/Questarr-sub000/internal/downloader/types"
)

// etaInfinity is the sentinel qBittorrent reports when no estimate exists.
const etaInfinity = 8640000

type torrentInfo struct {
	Hash       string  `json:"hash"`
	Name       string  `json:"name"`
	State      string  `json:"state"`
	Progress   float64 `json:"progress"` // 0.0-1.0
	Size       int64   `json:"size"`
	Completed  int64   `json:"completed"`
	DLSpeed    int64   `json:"dlspeed"`
	UPSpeed    int64   `json:"upspeed"`
	ETA        int64   `json:"eta"`
	NumSeeds   int     `json:"num_seeds"`
	NumLeechs  int     `json:"num_leechs"`
	Ratio      float64 `json:"ratio"`
	Category   string  `json:"category"`
	AddedOn    int64   `json:"added_on"`
	SavePath   string  `json:"save_path"`
	CompleteOn int64   `json:"completion_on"`
}

type torrentProperties struct {
	SavePath       string  `json:"save_path"`
	AdditionDate   int64   `json:"addition_date"`
	CompletionDate int64   `json:"completion_date"`
	Comment        string  `json:"comment"`
	CreatedBy      string  `json:"created_by"`
	TotalSize      int64   `json:"total_size"`
	ShareRatio     float64 `json:"share_ratio"`
}

type torrentFile struct {
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
	Priority int     `json:"priority"`
}

type torrentTracker struct {
	URL      string `json:"url"`
	Status   int    `json:"status"`
	Tier     any    `json:"tier"` // int, or "" for the DHT/PeX pseudo-entries
	NumSeeds int    `json:"num_seeds"`
	NumPeers int    `json:"num_peers"`
	Msg      string `json:"msg"`
}

type Client struct {
	config     types.ClientConfig
	httpClient *http.Client
	baseURL    string
	log        zerolog.Logger

	// verifyDelay is the wait between submitting a torrent and checking the
	// torrent list for it. Shortened in tests.
	verifyDelay time.Duration
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

	jar, _ := cookiejar.New(nil)

	return &Client{
		config: *cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
		},
		baseURL:     baseURL,
		log:         cfg.Logger().With().Str("client", "qbittorrent").Logger(),
		verifyDelay: 500 * time.Millisecond,
	}
}

func (c *Client) Type() types.ClientType {
	return types.ClientTypeQBittorrent
}

func (c *Client) Protocol() types.Protocol {
	return types.ProtocolTorrent
}

// login authenticates against /auth/login. qBittorrent answers 200 for both
// outcomes and distinguishes them by the literal body "Ok." or "Fails.";
// success plants a SID cookie in the jar.
func (c *Client) login(ctx context.Context) error {
	form := url.Values{
		"username": {c.config.Username},
		"password": {c.config.Password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v2/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute login request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read login response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "Ok." {
		return types.ErrAuthFailed
	}

	return nil
}

// do performs an authenticated API request. A 401 or 403 triggers one
// re-login and one retry; a second rejection is terminal.
func (c *Client) do(ctx context.Context, method, apiPath string, form url.Values) ([]byte, error) {
	body, status, err := c.doOnce(ctx, method, apiPath, form)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.log.Debug().Str("path", apiPath).Msg("Session rejected, re-authenticating")
		if err := c.login(ctx); err != nil {
			return nil, err
		}

		body, status, err = c.doOnce(ctx, method, apiPath, form)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, types.ErrAuthFailed
		}
	}

	if status != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", status)
	}

	return body, nil
}

func (c *Client) doOnce(ctx context.Context, method, apiPath string, form url.Values) ([]byte, int, error) {
	fullURL := c.baseURL + apiPath

	var reqBody io.Reader
	if method == http.MethodGet {
		if len(form) > 0 {
			fullURL += "?" + form.Encode()
		}
	} else if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if method != http.MethodGet && form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}

	return body, resp.StatusCode, nil
}

func (c *Client) Test(ctx context.Context) error {
	if err := c.login(ctx); err != nil {
		return err
	}

	body, err := c.do(ctx, http.MethodGet, "/api/v2/app/version", nil)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("empty version response from qBittorrent")
	}

	return nil
}

// Add submits a download by URL and then verifies it against the torrent
// list, because /torrents/add reports almost nothing itself. A known
// info-hash is looked up directly; otherwise the most recently added torrent
// matching the requested title is accepted, or failing that anything added
// within the last few seconds. When the URL submission yields nothing
// observable, the torrent file is fetched from the indexer and uploaded as a
// multipart body instead. An add answered with the literal "Fails." is
// treated as an already-present torrent.
func (c *Client) Add(ctx context.Context, req *types.DownloadRequest) (*types.AddResult, error) {
	if err := c.login(ctx); err != nil {
		return nil, err
	}

	magnet := strings.HasPrefix(req.URL, "magnet:")
	var hash string
	if magnet {
		hash = extractHashFromMagnet(req.URL)
	}

	respBody, err := c.addByURL(ctx, req)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(respBody)) == "Fails." {
		return duplicateResult(hash), nil
	}

	if result, err := c.verifyAdded(ctx, req, hash); err != nil || result != nil {
		return result, err
	}

	if magnet {
		// There is no file to upload for a magnet.
		return &types.AddResult{
			Success: false,
			Message: "qBittorrent accepted the request but the torrent never appeared",
		}, nil
	}

	content, err := c.fetchTorrent(ctx, req.URL)
	if err != nil {
		c.log.Warn().Err(err).Str("url", req.URL).Msg("Torrent fetch for upload fallback failed")
		return &types.AddResult{
			Success: true,
			Message: "torrent submitted to qBittorrent; added but unverified",
		}, nil
	}

	hash = infoHashFromBytes(content)
	respBody, err = c.addByFile(ctx, req, content)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(respBody)) == "Fails." {
		return duplicateResult(hash), nil
	}

	if result, err := c.verifyAdded(ctx, req, hash); err != nil || result != nil {
		return result, err
	}

	if hash != "" {
		return &types.AddResult{
			Success: false,
			Message: "qBittorrent accepted the request but the torrent never appeared",
		}, nil
	}

	return &types.AddResult{
		Success: true,
		Message: "torrent submitted to qBittorrent; added but unverified",
	}, nil
}

func duplicateResult(hash string) *types.AddResult {
	return &types.AddResult{
		Success:   true,
		Duplicate: true,
		ID:        hash,
		Message:   "torrent already exists in qBittorrent",
	}
}

func (c *Client) addByURL(ctx context.Context, req *types.DownloadRequest) ([]byte, error) {
	form := url.Values{"urls": {req.URL}}
	c.applyAddOptions(form, req)
	return c.do(ctx, http.MethodPost, "/api/v2/torrents/add", form)
}

func (c *Client) addByFile(ctx context.Context, req *types.DownloadRequest, content []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("torrents", "download.torrent")
	if err != nil {
		return nil, fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, fmt.Errorf("failed to build upload form: %w", err)
	}

	options := url.Values{}
	c.applyAddOptions(options, req)
	for key, vals := range options {
		if err := writer.WriteField(key, vals[0]); err != nil {
			return nil, fmt.Errorf("failed to build upload form: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to build upload form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v2/torrents/add", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute upload request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return body, nil
}

func (c *Client) applyAddOptions(form url.Values, req *types.DownloadRequest) {
	category := req.Category
	if category == "" {
		category = c.config.Category
	}
	if category != "" {
		form.Set("category", category)
	}

	downloadDir := req.DownloadDir
	if downloadDir == "" {
		downloadDir = c.config.DownloadDir
	}
	if downloadDir != "" {
		form.Set("savepath", downloadDir)
	}

	if c.config.AddStopped {
		form.Set("paused", "true")
		form.Set("stopped", "true")
	}
}

// verifyAdded looks the submission up in the torrent list. It returns nil
// when nothing observable matched, leaving the caller its fallback.
func (c *Client) verifyAdded(ctx context.Context, req *types.DownloadRequest, hash string) (*types.AddResult, error) {
	time.Sleep(c.verifyDelay)

	torrents, err := c.listTorrents(ctx, "")
	if err != nil {
		return nil, err
	}

	if hash != "" {
		for _, t := range torrents {
			if strings.EqualFold(t.Hash, hash) {
				c.forceStartIfConfigured(ctx, t.Hash)
				return &types.AddResult{
					Success: true,
					ID:      strings.ToLower(t.Hash),
					Message: "torrent added to qBittorrent",
				}, nil
			}
		}
		return nil, nil
	}

	// No hash to match on; take the freshest torrent whose name matches, or
	// anything that appeared in the last few seconds.
	match := matchByTitle(torrents, req.Title)
	if match == nil {
		match = matchByRecency(torrents, 5*time.Second)
	}
	if match != nil {
		c.forceStartIfConfigured(ctx, match.Hash)
		return &types.AddResult{
			Success: true,
			ID:      strings.ToLower(match.Hash),
			Message: "torrent added to qBittorrent",
		}, nil
	}

	return nil, nil
}

func matchByTitle(torrents []torrentInfo, title string) *torrentInfo {
	if title == "" {
		return nil
	}

	cutoff := time.Now().Add(-5 * time.Minute).Unix()
	var best *torrentInfo
	for i := range torrents {
		t := &torrents[i]
		if t.AddedOn < cutoff {
			continue
		}
		if !strings.EqualFold(t.Name, title) && !strings.Contains(strings.ToLower(t.Name), strings.ToLower(title)) {
			continue
		}
		if best == nil || t.AddedOn > best.AddedOn {
			best = t
		}
	}

	return best
}

func matchByRecency(torrents []torrentInfo, window time.Duration) *torrentInfo {
	cutoff := time.Now().Add(-window).Unix()
	var best *torrentInfo
	for i := range torrents {
		t := &torrents[i]
		if t.AddedOn < cutoff {
			continue
		}
		if best == nil || t.AddedOn > best.AddedOn {
			best = t
		}
	}

	return best
}

func (c *Client) forceStartIfConfigured(ctx context.Context, hash string) {
	if c.config.Setting("initialState") != types.InitialStateForceStarted {
		return
	}

	form := url.Values{"hashes": {hash}, "value": {"true"}}
	if _, err := c.do(ctx, http.MethodPost, "/api/v2/torrents/setForceStart", form); err != nil {
		c.log.Warn().Err(err).Str("hash", hash).Msg("Failed to force-start torrent")
	}
}

func (c *Client) Status(ctx context.Context, id string) (*types.DownloadStatus, error) {
	torrents, err := c.listTorrents(ctx, strings.ToLower(id))
	if err != nil {
		return nil, err
	}
	if len(torrents) == 0 {
		return nil, types.ErrNotFound
	}

	status := mapTorrent(&torrents[0])
	return &status, nil
}

func (c *Client) Details(ctx context.Context, id string) (*types.DownloadDetails, error) {
	status, err := c.Status(ctx, id)
	if err != nil {
		return nil, err
	}

	hash := strings.ToLower(id)
	details := &types.DownloadDetails{
		DownloadStatus: *status,
		Hash:           hash,
	}

	propsBody, err := c.do(ctx, http.MethodGet, "/api/v2/torrents/properties", url.Values{"hash": {hash}})
	if err != nil {
		return nil, err
	}
	var props torrentProperties
	if err := json.Unmarshal(propsBody, &props); err != nil {
		return nil, fmt.Errorf("failed to parse torrent properties: %w", err)
	}
	details.DownloadDir = props.SavePath
	details.Comment = props.Comment
	details.Creator = props.CreatedBy
	if props.AdditionDate > 0 {
		details.AddedAt = time.Unix(props.AdditionDate, 0)
	}
	if props.CompletionDate > 0 {
		details.CompletedAt = time.Unix(props.CompletionDate, 0)
	}

	filesBody, err := c.do(ctx, http.MethodGet, "/api/v2/torrents/files", url.Values{"hash": {hash}})
	if err != nil {
		return nil, err
	}
	var files []torrentFile
	if err := json.Unmarshal(filesBody, &files); err != nil {
		return nil, fmt.Errorf("failed to parse torrent files: %w", err)
	}
	details.Files = mapFiles(files)

	trackersBody, err := c.do(ctx, http.MethodGet, "/api/v2/torrents/trackers", url.Values{"hash": {hash}})
	if err != nil {
		return nil, err
	}
	var trackers []torrentTracker
	if err := json.Unmarshal(trackersBody, &trackers); err != nil {
		return nil, fmt.Errorf("failed to parse torrent trackers: %w", err)
	}
	details.Trackers = mapTrackers(trackers)

	return details, nil
}

func (c *Client) List(ctx context.Context) ([]types.DownloadStatus, error) {
	torrents, err := c.listTorrents(ctx, "")
	if err != nil {
		return nil, err
	}

	items := make([]types.DownloadStatus, 0, len(torrents))
	for i := range torrents {
		items = append(items, mapTorrent(&torrents[i]))
	}

	return items, nil
}

func (c *Client) listTorrents(ctx context.Context, hashes string) ([]torrentInfo, error) {
	form := url.Values{}
	if hashes != "" {
		form.Set("hashes", hashes)
	}

	body, err := c.do(ctx, http.MethodGet, "/api/v2/torrents/info", form)
	if err != nil {
		return nil, err
	}

	var torrents []torrentInfo
	if err := json.Unmarshal(body, &torrents); err != nil {
		return nil, fmt.Errorf("failed to parse torrent list: %w", err)
	}

	return torrents, nil
}

func (c *Client) Pause(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v2/torrents/pause", url.Values{"hashes": {strings.ToLower(id)}})
	return err
}

func (c *Client) Resume(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v2/torrents/resume", url.Values{"hashes": {strings.ToLower(id)}})
	return err
}

func (c *Client) Remove(ctx context.Context, id string, deleteFiles bool) error {
	form := url.Values{
		"hashes":      {strings.ToLower(id)},
		"deleteFiles": {strconv.FormatBool(deleteFiles)},
	}
	_, err := c.do(ctx, http.MethodPost, "/api/v2/torrents/delete", form)
	return err
}

// FreeSpace walks three sources in order, because no qBittorrent version
// exposes free disk space under a single stable endpoint: app/preferences,
// then sync/maindata's server_state, then transfer/info. A chain with no
// usable answer reports 0 without error.
func (c *Client) FreeSpace(ctx context.Context) (int64, error) {
	if err := c.login(ctx); err != nil {
		return 0, err
	}

	if body, err := c.do(ctx, http.MethodGet, "/api/v2/app/preferences", nil); err == nil {
		var prefs struct {
			FreeSpaceOnDisk *int64 `json:"free_space_on_disk"`
		}
		if json.Unmarshal(body, &prefs) == nil && prefs.FreeSpaceOnDisk != nil {
			return *prefs.FreeSpaceOnDisk, nil
		}
	}

	if body, err := c.do(ctx, http.MethodGet, "/api/v2/sync/maindata", nil); err == nil {
		var maindata struct {
			ServerState struct {
				FreeSpaceOnDisk *int64 `json:"free_space_on_disk"`
			} `json:"server_state"`
		}
		if json.Unmarshal(body, &maindata) == nil && maindata.ServerState.FreeSpaceOnDisk != nil {
			return *maindata.ServerState.FreeSpaceOnDisk, nil
		}
	}

	if body, err := c.do(ctx, http.MethodGet, "/api/v2/transfer/info", nil); err == nil {
		var info struct {
			FreeSpaceOnDisk *int64 `json:"free_space_on_disk"`
		}
		if json.Unmarshal(body, &info) == nil && info.FreeSpaceOnDisk != nil {
			return *info.FreeSpaceOnDisk, nil
		}
	}

	c.log.Debug().Msg("No qBittorrent endpoint reported free disk space")
	return 0, nil
}

func (c *Client) fetchTorrent(ctx context.Context, torrentURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, torrentURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetch request: %w", err)
	}

	// Plain client: the indexer must not see qBittorrent session cookies.
	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch torrent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("torrent fetch returned status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

func mapTorrent(t *torrentInfo) types.DownloadStatus {
	eta := t.ETA
	if eta <= 0 || eta >= etaInfinity {
		eta = -1
	}

	item := types.DownloadStatus{
		ID:            strings.ToLower(t.Hash),
		Name:          t.Name,
		Status:        mapState(t.State),
		Progress:      int(t.Progress * 100),
		Size:          t.Size,
		Downloaded:    t.Completed,
		DownloadSpeed: t.DLSpeed,
		UploadSpeed:   t.UPSpeed,
		ETA:           eta,
		Seeders:       t.NumSeeds,
		Leechers:      t.NumLeechs,
		Ratio:         t.Ratio,
		Category:      t.Category,
	}

	if item.Status == types.StatusError {
		item.Error = "qBittorrent reported state " + t.State
	}

	return item
}

func mapState(state string) types.Status {
	switch state {
	case "error", "missingFiles":
		return types.StatusError
	case "uploading", "stalledUP", "forcedUP", "queuedUP":
		return types.StatusSeeding
	case "pausedUP", "stoppedUP":
		return types.StatusCompleted
	case "pausedDL", "stoppedDL":
		return types.StatusPaused
	case "checkingUP", "checkingDL", "checkingResumeData":
		return types.StatusDownloading
	default:
		// allocating, metaDL, downloading, stalledDL, forcedDL, queuedDL, moving
		return types.StatusDownloading
	}
}

func mapFiles(files []torrentFile) []types.FileInfo {
	mapped := make([]types.FileInfo, 0, len(files))
	for _, f := range files {
		mapped = append(mapped, types.FileInfo{
			Name:     f.Name,
			Size:     f.Size,
			Progress: int(f.Progress * 100),
			Priority: mapFilePriority(f.Priority),
			Wanted:   f.Priority > 0,
		})
	}
	return mapped
}

func mapFilePriority(priority int) types.FilePriority {
	switch {
	case priority == 0:
		return types.FilePriorityOff
	case priority == 1:
		return types.FilePriorityNormal
	case priority >= 6:
		return types.FilePriorityHigh
	default:
		return types.FilePriorityLow
	}
}

func mapTrackers(trackers []torrentTracker) []types.TrackerInfo {
	mapped := make([]types.TrackerInfo, 0, len(trackers))
	for _, t := range trackers {
		// Tier is "" for the ** [DHT] ** style pseudo-trackers; skip those.
		tier, ok := t.Tier.(float64)
		if !ok {
			continue
		}

		mapped = append(mapped, types.TrackerInfo{
			URL:      t.URL,
			Tier:     int(tier),
			Status:   mapTrackerStatus(t.Status),
			Seeders:  t.NumSeeds,
			Leechers: t.NumPeers,
			Message:  t.Msg,
		})
	}
	return mapped
}

// Tracker status codes: 0 disabled, 1 not contacted yet, 2 working,
// 3 updating, 4 not working.
func mapTrackerStatus(status int) types.TrackerStatus {
	switch status {
	case 2:
		return types.TrackerStatusWorking
	case 3:
		return types.TrackerStatusUpdating
	case 4:
		return types.TrackerStatusError
	default:
		return types.TrackerStatusInactive
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
