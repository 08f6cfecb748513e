// Package mock provides a simulated download client for developer mode.
package mock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"sync"
	"time"

	"github.com/jamesrodda/Questarr-sub000/internal/downloader/types"
)

const (
	// DownloadDuration is how long a mock download takes to complete (seconds)
	DownloadDuration = 300.0
	// QueueDelay is how long items wait before starting (seconds)
	QueueDelay = 2.0
	// MockDownloadDir is the simulated download directory
	MockDownloadDir = "/mock/downloads/Questarr"
)

type mockDownload struct {
	ID          string
	Name        string
	Size        int64
	Category    string
	DownloadDir string
	AddedAt     time.Time
	PausedAt    time.Time // zero if not paused
	PausedTime  float64   // total seconds spent paused
	Status      types.Status
	Completed   bool
}

// Client simulates download progress over time without downloading anything.
type Client struct {
	mu        sync.RWMutex
	downloads map[string]*mockDownload
}

// Singleton instance - shared across all mock client instances
var (
	instance     *Client
	instanceOnce sync.Once
)

var _ types.Client = (*Client)(nil)

// GetInstance returns the singleton mock client instance.
func GetInstance() *Client {
	instanceOnce.Do(func() {
		instance = &Client{
			downloads: make(map[string]*mockDownload),
		}
	})
	return instance
}

// NewFromConfig creates a client from a ClientConfig (config is ignored for mock).
func NewFromConfig(_ *types.ClientConfig) *Client {
	return GetInstance()
}

func (c *Client) Type() types.ClientType {
	return types.ClientTypeMock
}

func (c *Client) Protocol() types.Protocol {
	return types.ProtocolTorrent
}

// Test verifies the client connection (always succeeds for mock).
func (c *Client) Test(_ context.Context) error {
	return nil
}

// Add registers a mock download that progresses on its own.
func (c *Client) Add(_ context.Context, req *types.DownloadRequest) (*types.AddResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := req.Title
	if name == "" {
		name = req.URL
	}
	if name == "" {
		name = "Mock Download"
	}

	// Adding the same title twice reports a duplicate, like a real client.
	for id, d := range c.downloads {
		if d.Name == name {
			return &types.AddResult{
				Success:   true,
				Duplicate: true,
				ID:        id,
				Message:   "download already exists in mock client",
			}, nil
		}
	}

	downloadDir := MockDownloadDir
	if req.DownloadDir != "" {
		downloadDir = req.DownloadDir
	}

	id := generateMockID()

	// Realistic file size: 5-50 GB
	size := int64(5+randInt(45)) * 1024 * 1024 * 1024

	c.downloads[id] = &mockDownload{
		ID:          id,
		Name:        name,
		Size:        size,
		Category:    req.Category,
		DownloadDir: downloadDir,
		AddedAt:     time.Now(),
		Status:      types.StatusDownloading,
	}

	return &types.AddResult{
		Success: true,
		ID:      id,
		Message: "download added to mock client",
	}, nil
}

func (c *Client) Status(_ context.Context, id string) (*types.DownloadStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.downloads[id]
	if !ok {
		return nil, types.ErrNotFound
	}

	status := c.calculateProgress(d, time.Now())
	return &status, nil
}

func (c *Client) Details(ctx context.Context, id string) (*types.DownloadDetails, error) {
	status, err := c.Status(ctx, id)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	d := c.downloads[id]
	c.mu.RUnlock()

	return &types.DownloadDetails{
		DownloadStatus: *status,
		Hash:           id,
		AddedAt:        d.AddedAt,
		DownloadDir:    d.DownloadDir,
	}, nil
}

func (c *Client) List(_ context.Context) ([]types.DownloadStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	items := make([]types.DownloadStatus, 0, len(c.downloads))
	for _, d := range c.downloads {
		items = append(items, c.calculateProgress(d, now))
	}

	return items, nil
}

func (c *Client) Pause(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.downloads[id]
	if !ok {
		return types.ErrNotFound
	}

	if d.Status != types.StatusPaused && !d.Completed {
		d.Status = types.StatusPaused
		d.PausedAt = time.Now()
	}

	return nil
}

func (c *Client) Resume(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.downloads[id]
	if !ok {
		return types.ErrNotFound
	}

	if d.Status == types.StatusPaused {
		d.PausedTime += time.Since(d.PausedAt).Seconds()
		d.PausedAt = time.Time{}
		d.Status = types.StatusDownloading
	}

	return nil
}

func (c *Client) Remove(_ context.Context, id string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.downloads, id)
	return nil
}

func (c *Client) FreeSpace(_ context.Context) (int64, error) {
	return 500 * 1024 * 1024 * 1024, nil
}

// FastForward instantly completes a mock download.
func (c *Client) FastForward(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.downloads[id]
	if !ok {
		return types.ErrNotFound
	}

	if !d.Completed {
		d.Completed = true
		d.Status = types.StatusSeeding
		d.PausedAt = time.Time{}
	}

	return nil
}

// Reset drops all mock downloads.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downloads = make(map[string]*mockDownload)
}

// calculateProgress computes the current state of a mock download.
func (c *Client) calculateProgress(d *mockDownload, now time.Time) types.DownloadStatus {
	// Effective elapsed time, excluding time spent paused
	elapsed := now.Sub(d.AddedAt).Seconds() - d.PausedTime
	if d.Status == types.StatusPaused && !d.PausedAt.IsZero() {
		elapsed -= now.Sub(d.PausedAt).Seconds()
	}

	var progress float64
	var status types.Status
	var downloadSpeed int64
	var eta int64

	switch {
	case d.Status == types.StatusPaused:
		downloadTime := elapsed - QueueDelay
		if downloadTime < 0 {
			downloadTime = 0
		}
		progress = (downloadTime / DownloadDuration) * 100
		if progress > 100 {
			progress = 100
		}
		status = types.StatusPaused
		eta = -1

	case d.Completed || elapsed >= QueueDelay+DownloadDuration:
		progress = 100
		status = types.StatusSeeding
		eta = -1
		d.Completed = true
		d.Status = types.StatusSeeding

	case elapsed < QueueDelay:
		progress = 0
		status = types.StatusDownloading
		eta = int64(QueueDelay + DownloadDuration - elapsed)

	default:
		downloadTime := elapsed - QueueDelay
		progress = (downloadTime / DownloadDuration) * 100
		status = types.StatusDownloading
		downloadSpeed = d.Size / int64(DownloadDuration)
		eta = int64(DownloadDuration - downloadTime)
	}

	downloaded := int64(float64(d.Size) * progress / 100)

	item := types.DownloadStatus{
		ID:            d.ID,
		Name:          d.Name,
		Status:        status,
		Progress:      int(progress),
		Size:          d.Size,
		Downloaded:    downloaded,
		DownloadSpeed: downloadSpeed,
		ETA:           eta,
		Seeders:       50,
		Leechers:      5,
		Category:      d.Category,
	}

	return item
}

func generateMockID() string {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "mock-" + hex.EncodeToString([]byte(time.Now().String()))[:16]
	}
	return hex.EncodeToString(buf)
}

func randInt(n int64) int {
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}
