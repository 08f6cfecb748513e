package downloader

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jamesrodda/Questarr-sub000/internal/downloader/mock"
	"github.com/jamesrodda/Questarr-sub000/internal/downloader/nzbget"
	"github.com/jamesrodda/Questarr-sub000/internal/downloader/qbittorrent"
	"github.com/jamesrodda/Questarr-sub000/internal/downloader/rtorrent"
	"github.com/jamesrodda/Questarr-sub000/internal/downloader/sabnzbd"
	"github.com/jamesrodda/Questarr-sub000/internal/downloader/transmission"
)

// NewClient creates a new download client of the specified type.
// Returns the client interface so callers can use polymorphism.
func NewClient(clientType ClientType, config *ClientConfig) (Client, error) {
	switch clientType {
	case ClientTypeTransmission:
		return transmission.NewFromConfig(config), nil
	case ClientTypeRTorrent:
		return rtorrent.NewFromConfig(config), nil
	case ClientTypeQBittorrent:
		return qbittorrent.NewFromConfig(config), nil
	case ClientTypeSABnzbd:
		return sabnzbd.NewFromConfig(config), nil
	case ClientTypeNZBGet:
		return nzbget.NewFromConfig(config), nil
	case ClientTypeMock:
		return mock.NewFromConfig(config), nil
	default:
		return nil, fmt.Errorf("%w: unknown client type %s", ErrUnsupportedClient, clientType)
	}
}

// ClientFor builds the adapter for one configured downloader record.
func ClientFor(d *Downloader, log *zerolog.Logger) (Client, error) {
	return NewClient(d.Type, clientConfig(d, log))
}

func clientConfig(d *Downloader, log *zerolog.Logger) *ClientConfig {
	return &ClientConfig{
		Host:        d.Host,
		Port:        d.Port,
		UseSSL:      d.UseSSL,
		URLBase:     d.URLBase,
		Username:    d.Username,
		Password:    d.Password,
		APIKey:      d.APIKey,
		Category:    d.Category,
		DownloadDir: d.DownloadDir,
		AddStopped:  d.AddStopped,
		Settings:    d.Settings,
		Log:         log,
	}
}

// SupportedClientTypes returns a list of all supported client types.
func SupportedClientTypes() []ClientType {
	return []ClientType{
		ClientTypeTransmission,
		ClientTypeRTorrent,
		ClientTypeQBittorrent,
		ClientTypeSABnzbd,
		ClientTypeNZBGet,
	}
}

// IsClientTypeSupported returns true if the client type is recognized.
func IsClientTypeSupported(clientType string) bool {
	for _, ct := range SupportedClientTypes() {
		if string(ct) == clientType {
			return true
		}
	}
	return false
}
