package downloader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

var (
	ErrDownloaderNotFound = errors.New("downloader not found")
	ErrNoDownloaders      = errors.New("no compatible downloader configured")
)

// Downloader is one configured download client.
type Downloader struct {
	ID          int64             `json:"id"`
	Name        string            `json:"name"`
	Type        ClientType        `json:"type"`
	Enable      bool              `json:"enable"`
	Priority    int               `json:"priority"` // lower tries first
	Host        string            `json:"host"`
	Port        int               `json:"port"`
	UseSSL      bool              `json:"useSsl"`
	URLBase     string            `json:"urlBase,omitempty"`
	Username    string            `json:"username,omitempty"`
	Password    string            `json:"password,omitempty"`
	APIKey      string            `json:"apiKey,omitempty"`
	Category    string            `json:"category,omitempty"`
	DownloadDir string            `json:"downloadDir,omitempty"`
	AddStopped  bool              `json:"addStopped"`
	// RemoveCompleted marks downloads for cleanup after import; the host
	// application acts on it, the manager only carries it.
	RemoveCompleted bool              `json:"removeCompleted"`
	Settings        map[string]string `json:"settings,omitempty"`
}

// TestResult represents the result of testing a download client connection.
type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// OpResult represents the outcome of a pause, resume, or remove operation.
type OpResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// FallbackAddResult reports where a fallback add landed and who was tried.
type FallbackAddResult struct {
	AddResult

	DownloaderID   int64    `json:"downloaderId,omitempty"`
	DownloaderName string   `json:"downloaderName,omitempty"`
	Attempted      []string `json:"attempted,omitempty"`
}

// Manager coordinates a prioritized set of download clients. Clients are
// created fresh for every operation; only the downloader configurations are
// long-lived.
type Manager struct {
	downloaders []Downloader
	logger      zerolog.Logger

	// factory builds clients; replaced in tests.
	factory func(ClientType, *ClientConfig) (Client, error)
}

// NewManager creates a manager over the given downloaders, kept in priority
// order (lowest first, id breaking ties).
func NewManager(downloaders []Downloader, logger zerolog.Logger) *Manager {
	sorted := make([]Downloader, len(downloaders))
	copy(sorted, downloaders)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})

	return &Manager{
		downloaders: sorted,
		logger:      logger.With().Str("component", "downloader").Logger(),
		factory:     NewClient,
	}
}

// Downloaders returns the configured downloaders in priority order.
func (m *Manager) Downloaders() []Downloader {
	out := make([]Downloader, len(m.downloaders))
	copy(out, m.downloaders)
	return out
}

func (m *Manager) downloader(id int64) (*Downloader, error) {
	for i := range m.downloaders {
		if m.downloaders[i].ID == id {
			return &m.downloaders[i], nil
		}
	}
	return nil, ErrDownloaderNotFound
}

func (m *Manager) clientFor(d *Downloader) (Client, error) {
	return m.factory(d.Type, clientConfig(d, &m.logger))
}

// Test verifies connectivity and credentials for one downloader.
func (m *Manager) Test(ctx context.Context, id int64) *TestResult {
	d, err := m.downloader(id)
	if err != nil {
		return &TestResult{Success: false, Message: err.Error()}
	}

	client, err := m.clientFor(d)
	if err != nil {
		return &TestResult{Success: false, Message: err.Error()}
	}

	if err := client.Test(ctx); err != nil {
		m.logger.Warn().Err(err).Str("downloader", d.Name).Msg("Downloader test failed")
		return &TestResult{Success: false, Message: err.Error()}
	}

	return &TestResult{
		Success: true,
		Message: fmt.Sprintf("successfully connected to %s", d.Name),
	}
}

// Add submits a download to one specific downloader. Transport and protocol
// failures are folded into the result; the error return is reserved for
// manager-level problems like an unknown downloader id.
func (m *Manager) Add(ctx context.Context, id int64, req *DownloadRequest) (*AddResult, error) {
	d, err := m.downloader(id)
	if err != nil {
		return nil, err
	}

	client, err := m.clientFor(d)
	if err != nil {
		return nil, err
	}

	result, err := client.Add(ctx, req)
	if err != nil {
		m.logger.Warn().Err(err).Str("downloader", d.Name).Str("title", req.Title).Msg("Add failed")
		return &AddResult{Success: false, Message: err.Error()}, nil
	}

	if result.Duplicate {
		m.logger.Info().Str("downloader", d.Name).Str("title", req.Title).Msg("Download already present")
	}

	return result, nil
}

// AddWithFallback tries every enabled, protocol-compatible downloader in
// priority order until one accepts the download. A duplicate answer is a
// success and stops the walk like any other accept. Disabled and incompatible
// downloaders are skipped without counting as attempts.
func (m *Manager) AddWithFallback(ctx context.Context, req *DownloadRequest) *FallbackAddResult {
	result := &FallbackAddResult{}
	var failures []string

	for i := range m.downloaders {
		d := &m.downloaders[i]
		if !d.Enable {
			continue
		}
		if req.Protocol != "" && ProtocolForClient(d.Type) != req.Protocol {
			continue
		}

		result.Attempted = append(result.Attempted, d.Name)

		client, err := m.clientFor(d)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %s", d.Name, err))
			continue
		}

		added, err := client.Add(ctx, req)
		if err != nil {
			m.logger.Warn().Err(err).Str("downloader", d.Name).Str("title", req.Title).Msg("Add failed, trying next downloader")
			failures = append(failures, fmt.Sprintf("%s: %s", d.Name, err))
			continue
		}
		if !added.Success {
			m.logger.Warn().Str("downloader", d.Name).Str("title", req.Title).Str("reason", added.Message).Msg("Add rejected, trying next downloader")
			failures = append(failures, fmt.Sprintf("%s: %s", d.Name, added.Message))
			continue
		}

		result.AddResult = *added
		result.DownloaderID = d.ID
		result.DownloaderName = d.Name

		m.logger.Info().
			Str("downloader", d.Name).
			Str("title", req.Title).
			Bool("duplicate", added.Duplicate).
			Msg("Download added")
		return result
	}

	result.Success = false
	if len(result.Attempted) == 0 {
		if req.Protocol != "" {
			result.Message = fmt.Sprintf("no compatible %s downloader configured", req.Protocol)
		} else {
			result.Message = ErrNoDownloaders.Error()
		}
	} else {
		result.Message = "all downloaders failed: " + strings.Join(failures, "; ")
	}

	return result
}

// Status returns the normalized status of one download.
func (m *Manager) Status(ctx context.Context, id int64, downloadID string) (*DownloadStatus, error) {
	client, err := m.client(id)
	if err != nil {
		return nil, err
	}
	return client.Status(ctx, downloadID)
}

// Details returns the full detail view of one download.
func (m *Manager) Details(ctx context.Context, id int64, downloadID string) (*DownloadDetails, error) {
	client, err := m.client(id)
	if err != nil {
		return nil, err
	}
	return client.Details(ctx, downloadID)
}

// List returns the downloads of one downloader, filtered to its configured
// category (compared ignoring case). Transmission emulates categories with
// labels and subdirectories,
// so items it reports without any category are kept rather than dropped.
func (m *Manager) List(ctx context.Context, id int64) ([]DownloadStatus, error) {
	d, err := m.downloader(id)
	if err != nil {
		return nil, err
	}

	client, err := m.clientFor(d)
	if err != nil {
		return nil, err
	}

	items, err := client.List(ctx)
	if err != nil {
		return nil, err
	}

	if d.Category == "" {
		return items, nil
	}

	filtered := make([]DownloadStatus, 0, len(items))
	for _, item := range items {
		if strings.EqualFold(item.Category, d.Category) {
			filtered = append(filtered, item)
			continue
		}
		if d.Type == ClientTypeTransmission && item.Category == "" {
			filtered = append(filtered, item)
		}
	}

	return filtered, nil
}

// Pause pauses one download.
func (m *Manager) Pause(ctx context.Context, id int64, downloadID string) *OpResult {
	return m.mutate(ctx, id, downloadID, "pause", func(c Client) error {
		return c.Pause(ctx, downloadID)
	})
}

// Resume resumes one download.
func (m *Manager) Resume(ctx context.Context, id int64, downloadID string) *OpResult {
	return m.mutate(ctx, id, downloadID, "resume", func(c Client) error {
		return c.Resume(ctx, downloadID)
	})
}

// Remove removes one download, optionally deleting its files.
func (m *Manager) Remove(ctx context.Context, id int64, downloadID string, deleteFiles bool) *OpResult {
	return m.mutate(ctx, id, downloadID, "remove", func(c Client) error {
		return c.Remove(ctx, downloadID, deleteFiles)
	})
}

func (m *Manager) mutate(ctx context.Context, id int64, downloadID, op string, fn func(Client) error) *OpResult {
	client, err := m.client(id)
	if err != nil {
		return &OpResult{Success: false, Message: err.Error()}
	}

	if err := fn(client); err != nil {
		m.logger.Warn().Err(err).Int64("downloader", id).Str("download", downloadID).Str("op", op).Msg("Operation failed")
		return &OpResult{Success: false, Message: err.Error()}
	}

	return &OpResult{Success: true}
}

// FreeSpace reports the free bytes at one downloader's download location.
func (m *Manager) FreeSpace(ctx context.Context, id int64) (int64, error) {
	d, err := m.downloader(id)
	if err != nil {
		return 0, err
	}

	client, err := m.clientFor(d)
	if err != nil {
		return 0, err
	}

	space, err := client.FreeSpace(ctx)
	if err != nil {
		return 0, err
	}

	m.logger.Debug().
		Str("downloader", d.Name).
		Str("free", humanize.IBytes(uint64(space))).
		Msg("Free space")

	return space, nil
}

func (m *Manager) client(id int64) (Client, error) {
	d, err := m.downloader(id)
	if err != nil {
		return nil, err
	}
	return m.clientFor(d)
}
