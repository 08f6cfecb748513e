package downloader

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient is a scriptable Client used to drive the manager without real
// adapters or servers.
type fakeClient struct {
	clientType ClientType
	protocol   Protocol

	testErr   error
	addResult *AddResult
	addErr    error
	listItems []DownloadStatus
	listErr   error
	opErr     error
	freeSpace int64

	addCalls int
}

func (f *fakeClient) Type() ClientType     { return f.clientType }
func (f *fakeClient) Protocol() Protocol   { return f.protocol }
func (f *fakeClient) Test(context.Context) error { return f.testErr }

func (f *fakeClient) Add(_ context.Context, _ *DownloadRequest) (*AddResult, error) {
	f.addCalls++
	if f.addErr != nil {
		return nil, f.addErr
	}
	if f.addResult != nil {
		return f.addResult, nil
	}
	return &AddResult{Success: true, ID: "fake-id"}, nil
}

func (f *fakeClient) Status(context.Context, string) (*DownloadStatus, error) {
	return nil, ErrNotFound
}

func (f *fakeClient) Details(context.Context, string) (*DownloadDetails, error) {
	return nil, ErrNotFound
}

func (f *fakeClient) List(context.Context) ([]DownloadStatus, error) {
	return f.listItems, f.listErr
}

func (f *fakeClient) Pause(context.Context, string) error  { return f.opErr }
func (f *fakeClient) Resume(context.Context, string) error { return f.opErr }

func (f *fakeClient) Remove(context.Context, string, bool) error { return f.opErr }

func (f *fakeClient) FreeSpace(context.Context) (int64, error) { return f.freeSpace, nil }

// newTestManager wires a manager whose factory hands out the fakes, keyed by
// the downloader's host.
func newTestManager(downloaders []Downloader, fakes map[string]*fakeClient) *Manager {
	m := NewManager(downloaders, zerolog.Nop())
	m.factory = func(_ ClientType, cfg *ClientConfig) (Client, error) {
		fake, ok := fakes[cfg.Host]
		if !ok {
			return nil, fmt.Errorf("no fake for host %s", cfg.Host)
		}
		return fake, nil
	}
	return m
}

func torrentDownloader(id int64, name string, priority int) Downloader {
	return Downloader{
		ID:       id,
		Name:     name,
		Type:     ClientTypeQBittorrent,
		Enable:   true,
		Priority: priority,
		Host:     name,
		Port:     8080,
	}
}

func TestManager_DownloadersSortedByPriority(t *testing.T) {
	m := NewManager([]Downloader{
		{ID: 1, Name: "low", Priority: 50},
		{ID: 2, Name: "high", Priority: 1},
		{ID: 3, Name: "mid", Priority: 10},
	}, zerolog.Nop())

	names := []string{}
	for _, d := range m.Downloaders() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"high", "mid", "low"}, names)
}

func TestManager_AddWithFallback_FirstSuccessWins(t *testing.T) {
	first := &fakeClient{clientType: ClientTypeQBittorrent, protocol: ProtocolTorrent}
	second := &fakeClient{clientType: ClientTypeQBittorrent, protocol: ProtocolTorrent}

	m := newTestManager([]Downloader{
		torrentDownloader(1, "first", 1),
		torrentDownloader(2, "second", 2),
	}, map[string]*fakeClient{"first": first, "second": second})

	result := m.AddWithFallback(context.Background(), &DownloadRequest{Title: "x"})

	require.True(t, result.Success)
	assert.Equal(t, int64(1), result.DownloaderID)
	assert.Equal(t, "first", result.DownloaderName)
	assert.Equal(t, []string{"first"}, result.Attempted)
	assert.Equal(t, 0, second.addCalls, "later downloaders must not be called after a success")
}

func TestManager_AddWithFallback_DuplicateShortCircuits(t *testing.T) {
	first := &fakeClient{
		clientType: ClientTypeQBittorrent,
		protocol:   ProtocolTorrent,
		addResult:  &AddResult{Success: true, Duplicate: true, Message: "already there"},
	}
	second := &fakeClient{clientType: ClientTypeQBittorrent, protocol: ProtocolTorrent}

	m := newTestManager([]Downloader{
		torrentDownloader(1, "first", 1),
		torrentDownloader(2, "second", 2),
	}, map[string]*fakeClient{"first": first, "second": second})

	result := m.AddWithFallback(context.Background(), &DownloadRequest{Title: "x"})

	require.True(t, result.Success)
	assert.True(t, result.Duplicate)
	assert.Equal(t, 0, second.addCalls, "a duplicate is a success and stops the walk")
}

func TestManager_AddWithFallback_FailuresAggregate(t *testing.T) {
	first := &fakeClient{
		clientType: ClientTypeQBittorrent,
		protocol:   ProtocolTorrent,
		addErr:     errors.New("connection refused"),
	}
	second := &fakeClient{
		clientType: ClientTypeQBittorrent,
		protocol:   ProtocolTorrent,
		addResult:  &AddResult{Success: false, Message: "rejected"},
	}

	m := newTestManager([]Downloader{
		torrentDownloader(1, "first", 1),
		torrentDownloader(2, "second", 2),
	}, map[string]*fakeClient{"first": first, "second": second})

	result := m.AddWithFallback(context.Background(), &DownloadRequest{Title: "x"})

	require.False(t, result.Success)
	assert.Equal(t, []string{"first", "second"}, result.Attempted)
	assert.Contains(t, result.Message, "all downloaders failed")
	assert.Contains(t, result.Message, "first: connection refused")
	assert.Contains(t, result.Message, "second: rejected")
}

func TestManager_AddWithFallback_SkipsDisabledAndWrongProtocol(t *testing.T) {
	usenet := &fakeClient{clientType: ClientTypeSABnzbd, protocol: ProtocolUsenet}
	torrent := &fakeClient{clientType: ClientTypeQBittorrent, protocol: ProtocolTorrent}

	disabled := torrentDownloader(1, "disabled", 1)
	disabled.Enable = false

	sab := Downloader{ID: 2, Name: "sab", Type: ClientTypeSABnzbd, Enable: true, Priority: 2, Host: "sab"}
	qbit := torrentDownloader(3, "qbit", 3)

	m := newTestManager([]Downloader{disabled, sab, qbit}, map[string]*fakeClient{
		"sab": usenet, "qbit": torrent, "disabled": torrent,
	})

	result := m.AddWithFallback(context.Background(), &DownloadRequest{
		Title:    "x",
		Protocol: ProtocolTorrent,
	})

	require.True(t, result.Success)
	assert.Equal(t, []string{"qbit"}, result.Attempted, "skipped downloaders are not attempts")
	assert.Equal(t, 0, usenet.addCalls)
}

func TestManager_AddWithFallback_NoCompatibleDownloaders(t *testing.T) {
	sab := Downloader{ID: 1, Name: "sab", Type: ClientTypeSABnzbd, Enable: true, Host: "sab"}

	m := newTestManager([]Downloader{sab}, map[string]*fakeClient{
		"sab": {clientType: ClientTypeSABnzbd, protocol: ProtocolUsenet},
	})

	result := m.AddWithFallback(context.Background(), &DownloadRequest{
		Title:    "x",
		Protocol: ProtocolTorrent,
	})

	require.False(t, result.Success)
	assert.Empty(t, result.Attempted)
	assert.Equal(t, "no compatible torrent downloader configured", result.Message)
}

func TestManager_AddWithFallback_NoDownloadersAtAll(t *testing.T) {
	m := newTestManager(nil, nil)

	result := m.AddWithFallback(context.Background(), &DownloadRequest{Title: "x"})

	require.False(t, result.Success)
	assert.Empty(t, result.Attempted)
	assert.Equal(t, ErrNoDownloaders.Error(), result.Message)
}

func TestManager_Add_FoldsClientErrors(t *testing.T) {
	fake := &fakeClient{
		clientType: ClientTypeQBittorrent,
		protocol:   ProtocolTorrent,
		addErr:     errors.New("boom"),
	}

	m := newTestManager([]Downloader{torrentDownloader(1, "one", 1)}, map[string]*fakeClient{"one": fake})

	result, err := m.Add(context.Background(), 1, &DownloadRequest{Title: "x"})
	require.NoError(t, err, "client failures are folded into the result")
	assert.False(t, result.Success)
	assert.Equal(t, "boom", result.Message)
}

func TestManager_Add_UnknownDownloader(t *testing.T) {
	m := newTestManager(nil, nil)

	_, err := m.Add(context.Background(), 42, &DownloadRequest{Title: "x"})
	assert.ErrorIs(t, err, ErrDownloaderNotFound)
}

func TestManager_Test(t *testing.T) {
	ok := &fakeClient{clientType: ClientTypeQBittorrent, protocol: ProtocolTorrent}
	bad := &fakeClient{clientType: ClientTypeQBittorrent, protocol: ProtocolTorrent, testErr: ErrAuthFailed}

	m := newTestManager([]Downloader{
		torrentDownloader(1, "ok", 1),
		torrentDownloader(2, "bad", 2),
	}, map[string]*fakeClient{"ok": ok, "bad": bad})

	result := m.Test(context.Background(), 1)
	assert.True(t, result.Success)
	assert.Contains(t, result.Message, "ok")

	result = m.Test(context.Background(), 2)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, ErrAuthFailed.Error())

	result = m.Test(context.Background(), 99)
	assert.False(t, result.Success)
}

func TestManager_List_CategoryFilter(t *testing.T) {
	fake := &fakeClient{
		clientType: ClientTypeQBittorrent,
		protocol:   ProtocolTorrent,
		listItems: []DownloadStatus{
			{ID: "a", Category: "movies"},
			{ID: "b", Category: "tv"},
			{ID: "c", Category: ""},
		},
	}

	d := torrentDownloader(1, "one", 1)
	d.Category = "movies"

	m := newTestManager([]Downloader{d}, map[string]*fakeClient{"one": fake})

	items, err := m.List(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].ID)
}

func TestManager_List_CategoryFilterIgnoresCase(t *testing.T) {
	fake := &fakeClient{
		clientType: ClientTypeQBittorrent,
		protocol:   ProtocolTorrent,
		listItems: []DownloadStatus{
			{ID: "a", Category: "Movies"},
			{ID: "b", Category: "MOVIES"},
			{ID: "c", Category: "tv"},
		},
	}

	d := torrentDownloader(1, "one", 1)
	d.Category = "movies"

	m := newTestManager([]Downloader{d}, map[string]*fakeClient{"one": fake})

	items, err := m.List(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, "b", items[1].ID)
}

func TestManager_List_TransmissionKeepsUncategorized(t *testing.T) {
	fake := &fakeClient{
		clientType: ClientTypeTransmission,
		protocol:   ProtocolTorrent,
		listItems: []DownloadStatus{
			{ID: "a", Category: "movies"},
			{ID: "b", Category: "tv"},
			{ID: "c", Category: ""},
		},
	}

	d := Downloader{
		ID: 1, Name: "trans", Type: ClientTypeTransmission,
		Enable: true, Host: "trans", Category: "movies",
	}

	m := newTestManager([]Downloader{d}, map[string]*fakeClient{"trans": fake})

	items, err := m.List(context.Background(), 1)
	require.NoError(t, err)

	ids := []string{}
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	// Transmission cannot tag everything; uncategorized items stay visible.
	assert.Equal(t, []string{"a", "c"}, ids)
}

func TestManager_List_NoCategoryPassesThrough(t *testing.T) {
	fake := &fakeClient{
		clientType: ClientTypeQBittorrent,
		protocol:   ProtocolTorrent,
		listItems:  []DownloadStatus{{ID: "a"}, {ID: "b"}},
	}

	m := newTestManager([]Downloader{torrentDownloader(1, "one", 1)}, map[string]*fakeClient{"one": fake})

	items, err := m.List(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestManager_Mutations(t *testing.T) {
	fake := &fakeClient{clientType: ClientTypeQBittorrent, protocol: ProtocolTorrent}

	m := newTestManager([]Downloader{torrentDownloader(1, "one", 1)}, map[string]*fakeClient{"one": fake})

	assert.True(t, m.Pause(context.Background(), 1, "x").Success)
	assert.True(t, m.Resume(context.Background(), 1, "x").Success)
	assert.True(t, m.Remove(context.Background(), 1, "x", true).Success)

	fake.opErr = errors.New("not reachable")
	result := m.Pause(context.Background(), 1, "x")
	assert.False(t, result.Success)
	assert.Equal(t, "not reachable", result.Message)

	result = m.Pause(context.Background(), 9, "x")
	assert.False(t, result.Success)
	assert.Equal(t, ErrDownloaderNotFound.Error(), result.Message)
}

func TestManager_FreeSpace(t *testing.T) {
	fake := &fakeClient{clientType: ClientTypeQBittorrent, protocol: ProtocolTorrent, freeSpace: 1 << 30}

	m := newTestManager([]Downloader{torrentDownloader(1, "one", 1)}, map[string]*fakeClient{"one": fake})

	space, err := m.FreeSpace(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), space)

	_, err = m.FreeSpace(context.Background(), 9)
	assert.ErrorIs(t, err, ErrDownloaderNotFound)
}
