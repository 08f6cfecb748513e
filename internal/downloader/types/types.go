// Package types defines shared types for download clients.
package types

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Common errors for download clients.
var (
	ErrNotFound          = errors.New("download not found")
	ErrNotConnected      = errors.New("client not connected")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrUnsupportedClient = errors.New("unsupported client type")
)

// Protocol represents the download protocol.
type Protocol string

const (
	ProtocolTorrent Protocol = "torrent"
	ProtocolUsenet  Protocol = "usenet"
)

// ClientType represents the type of download client.
type ClientType string

const (
	ClientTypeTransmission ClientType = "transmission"
	ClientTypeRTorrent     ClientType = "rtorrent"
	ClientTypeQBittorrent  ClientType = "qbittorrent"
	ClientTypeSABnzbd      ClientType = "sabnzbd"
	ClientTypeNZBGet       ClientType = "nzbget"
	ClientTypeMock         ClientType = "mock" // Mock client for developer mode
)

// ProtocolForClient returns the protocol a given client type speaks.
func ProtocolForClient(clientType ClientType) Protocol {
	switch clientType {
	case ClientTypeTransmission, ClientTypeRTorrent, ClientTypeQBittorrent, ClientTypeMock:
		return ProtocolTorrent
	case ClientTypeSABnzbd, ClientTypeNZBGet:
		return ProtocolUsenet
	default:
		return ""
	}
}

// Initial-state values understood via ClientConfig.Settings["initialState"].
const (
	InitialStateDefault      = "default"
	InitialStateStopped      = "stopped"
	InitialStateForceStarted = "force-started"
)

// ClientConfig holds common configuration for all download clients.
// It is immutable for the duration of one operation.
type ClientConfig struct {
	Host        string
	Port        int
	UseSSL      bool
	URLBase     string
	Username    string
	Password    string
	APIKey      string // For clients that use API keys (SABnzbd)
	Category    string // Default category/label for downloads
	DownloadDir string // Default download directory override
	AddStopped  bool   // Add downloads in a stopped/paused state

	// Settings is an opaque client-specific blob, e.g. {"initialState": "force-started"}.
	Settings map[string]string

	// Log is an optional logger for best-effort warnings. Nil disables logging.
	Log *zerolog.Logger
}

// Setting returns a value from the client-specific settings blob.
func (c *ClientConfig) Setting(key string) string {
	if c.Settings == nil {
		return ""
	}
	return c.Settings[key]
}

// Logger returns the configured logger or a disabled one.
func (c *ClientConfig) Logger() zerolog.Logger {
	if c.Log == nil {
		return zerolog.Nop()
	}
	return *c.Log
}

// DownloadRequest describes one download to submit.
type DownloadRequest struct {
	URL         string   // magnet URI, torrent-file URL, or NZB URL
	Title       string   // used for best-effort name matching when no id can be derived
	Category    string   // overrides the client's default category
	DownloadDir string   // overrides the client's default download directory
	Priority    int      // 0 = normal; client-native meaning
	Protocol    Protocol // used only for fallback compatibility filtering
}

// Status is the normalized download state. Adapters must map their native state
// machines onto exactly this set and never leak a protocol-native code.
type Status string

const (
	StatusDownloading Status = "downloading"
	StatusSeeding     Status = "seeding"
	StatusCompleted   Status = "completed"
	StatusPaused      Status = "paused"
	StatusError       Status = "error"
	StatusRepairing   Status = "repairing"
	StatusUnpacking   Status = "unpacking"
)

// RepairStatus values (usenet only).
const (
	RepairStatusGood      = "good"
	RepairStatusRepairing = "repairing"
	RepairStatusFailed    = "failed"
)

// UnpackStatus values (usenet only).
const (
	UnpackStatusUnpacking = "unpacking"
	UnpackStatusCompleted = "completed"
	UnpackStatusFailed    = "failed"
)

// DownloadStatus is the normalized status of one download.
type DownloadStatus struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Status        Status `json:"status"`
	Progress      int    `json:"progress"` // 0-100
	Size          int64  `json:"size"`
	Downloaded    int64  `json:"downloaded"`
	DownloadSpeed int64  `json:"downloadSpeed"` // bytes/sec
	UploadSpeed   int64  `json:"uploadSpeed"`   // bytes/sec (torrents only)
	ETA           int64  `json:"eta"`           // seconds, -1 if unavailable

	// Torrent only.
	Seeders  int     `json:"seeders,omitempty"`
	Leechers int     `json:"leechers,omitempty"`
	Ratio    float64 `json:"ratio,omitempty"`

	// Usenet only.
	RepairStatus string `json:"repairStatus,omitempty"`
	UnpackStatus string `json:"unpackStatus,omitempty"`
	Age          int64  `json:"age,omitempty"` // seconds since posting

	Category string `json:"category,omitempty"`
	Error    string `json:"error,omitempty"`
}

// FilePriority is the per-file download priority.
type FilePriority string

const (
	FilePriorityOff    FilePriority = "off"
	FilePriorityLow    FilePriority = "low"
	FilePriorityNormal FilePriority = "normal"
	FilePriorityHigh   FilePriority = "high"
)

// FileInfo describes one file inside a download.
type FileInfo struct {
	Name     string       `json:"name"`
	Size     int64        `json:"size"`
	Progress int          `json:"progress"` // 0-100
	Priority FilePriority `json:"priority"`
	Wanted   bool         `json:"wanted"`
}

// TrackerStatus is the normalized tracker state.
type TrackerStatus string

const (
	TrackerStatusWorking  TrackerStatus = "working"
	TrackerStatusUpdating TrackerStatus = "updating"
	TrackerStatusError    TrackerStatus = "error"
	TrackerStatusInactive TrackerStatus = "inactive"
)

// TrackerInfo describes one tracker of a torrent.
type TrackerInfo struct {
	URL          string        `json:"url"`
	Tier         int           `json:"tier"`
	Status       TrackerStatus `json:"status"`
	Seeders      int           `json:"seeders"`
	Leechers     int           `json:"leechers"`
	LastAnnounce time.Time     `json:"lastAnnounce,omitempty"`
	NextAnnounce time.Time     `json:"nextAnnounce,omitempty"`
	Message      string        `json:"message,omitempty"`
}

// DownloadDetails extends DownloadStatus with per-download metadata.
type DownloadDetails struct {
	DownloadStatus

	Hash        string        `json:"hash,omitempty"`
	AddedAt     time.Time     `json:"addedAt,omitempty"`
	CompletedAt time.Time     `json:"completedAt,omitempty"`
	DownloadDir string        `json:"downloadDir,omitempty"`
	Comment     string        `json:"comment,omitempty"`
	Creator     string        `json:"creator,omitempty"`
	Files       []FileInfo    `json:"files,omitempty"`
	Trackers    []TrackerInfo `json:"trackers,omitempty"`
}

// AddResult is the outcome of submitting one download.
//
// Duplicate marks the "already exists" case, which is a success: the fallback
// orchestrator must not try other downloaders for something already present.
// Success with an empty ID is permitted (added but unverified) and the message
// must say so.
type AddResult struct {
	Success   bool   `json:"success"`
	Duplicate bool   `json:"duplicate,omitempty"`
	ID        string `json:"id,omitempty"` // info-hash or numeric id, string-encoded
	Message   string `json:"message,omitempty"`
}

// Client is the common contract every protocol adapter implements.
//
// Implementations keep their session token/cookie as plain instance state and
// are not safe for concurrent reuse across unrelated requests; create one
// instance per logical operation or serialize access.
type Client interface {
	Type() ClientType
	Protocol() Protocol

	Test(ctx context.Context) error
	Add(ctx context.Context, req *DownloadRequest) (*AddResult, error)
	Status(ctx context.Context, id string) (*DownloadStatus, error)
	Details(ctx context.Context, id string) (*DownloadDetails, error)
	List(ctx context.Context) ([]DownloadStatus, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, deleteFiles bool) error
	FreeSpace(ctx context.Context) (int64, error)
}
