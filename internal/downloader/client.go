// Package downloader provides download client abstractions and implementations.
package downloader

import (
	"github.com/jamesrodda/Questarr-sub000/internal/downloader/types"
)

// Re-export types for convenience.
// This allows external packages to use downloader.Client instead of types.Client.

type (
	Protocol        = types.Protocol
	ClientType      = types.ClientType
	ClientConfig    = types.ClientConfig
	Client          = types.Client
	DownloadRequest = types.DownloadRequest
	DownloadStatus  = types.DownloadStatus
	DownloadDetails = types.DownloadDetails
	AddResult       = types.AddResult
	FileInfo        = types.FileInfo
	TrackerInfo     = types.TrackerInfo
	Status          = types.Status
)

// Re-export constants.
const (
	ProtocolTorrent = types.ProtocolTorrent
	ProtocolUsenet  = types.ProtocolUsenet

	ClientTypeTransmission = types.ClientTypeTransmission
	ClientTypeRTorrent     = types.ClientTypeRTorrent
	ClientTypeQBittorrent  = types.ClientTypeQBittorrent
	ClientTypeSABnzbd      = types.ClientTypeSABnzbd
	ClientTypeNZBGet       = types.ClientTypeNZBGet
	ClientTypeMock         = types.ClientTypeMock

	StatusDownloading = types.StatusDownloading
	StatusSeeding     = types.StatusSeeding
	StatusCompleted   = types.StatusCompleted
	StatusPaused      = types.StatusPaused
	StatusError       = types.StatusError
	StatusRepairing   = types.StatusRepairing
	StatusUnpacking   = types.StatusUnpacking
)

// Re-export errors.
var (
	ErrNotFound          = types.ErrNotFound
	ErrNotConnected      = types.ErrNotConnected
	ErrAuthFailed        = types.ErrAuthFailed
	ErrUnsupportedClient = types.ErrUnsupportedClient
)

// Re-export functions.
var ProtocolForClient = types.ProtocolForClient
