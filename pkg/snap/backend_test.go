package snap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devmgmt/swagent"
	"github.com/devmgmt/swagent/pkg/snapd"
)

type call struct {
	action string
	name   string
	opts   snapd.SnapOptions
}

type stubClient struct {
	mu        sync.Mutex
	snaps     []snapd.Snap
	snapsErr  error
	calls     []call
	responses map[string]*snapd.Response
	failures  map[string]error
	// changes maps a change id onto the statuses returned by successive polls.
	changes map[string][]snapd.Change
	polls   map[string]int
}

func (s *stubClient) SystemInfo(context.Context) (*snapd.SystemInfo, error) {
	return &snapd.SystemInfo{Version: "2.61"}, nil
}

func (s *stubClient) Snaps(context.Context) ([]snapd.Snap, error) {
	return s.snaps, s.snapsErr
}

func (s *stubClient) record(action, name string, opts snapd.SnapOptions) (*snapd.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{action: action, name: name, opts: opts})
	if err := s.failures[name]; err != nil {
		return nil, err
	}
	if resp, ok := s.responses[name]; ok {
		return resp, nil
	}
	return &snapd.Response{Type: "sync", StatusCode: 200}, nil
}

func (s *stubClient) Install(_ context.Context, name string, opts snapd.SnapOptions) (*snapd.Response, error) {
	return s.record("install", name, opts)
}

func (s *stubClient) Refresh(_ context.Context, name string, opts snapd.SnapOptions) (*snapd.Response, error) {
	return s.record("refresh", name, opts)
}

func (s *stubClient) Remove(_ context.Context, name string) (*snapd.Response, error) {
	return s.record("remove", name, snapd.SnapOptions{})
}

func (s *stubClient) Change(_ context.Context, id string) (*snapd.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.polls == nil {
		s.polls = map[string]int{}
	}
	steps := s.changes[id]
	idx := s.polls[id]
	s.polls[id]++
	if idx >= len(steps) {
		idx = len(steps) - 1
	}
	change := steps[idx]
	change.ID = id
	return &change, nil
}

func newBackend(t *testing.T, client *stubClient, maxPolls uint64) *Backend {
	t.Helper()
	b, err := New(Config{Client: client, PollInterval: time.Millisecond, MaxPolls: maxPolls, DevmodeSnaps: []string{"c8ycc"}})
	require.NoError(t, err)
	return b
}

func async(change string) *snapd.Response {
	return &snapd.Response{Type: "async", StatusCode: 202, Change: change}
}

func TestApplyBatchAwaitsEachChange(t *testing.T) {
	client := &stubClient{
		responses: map[string]*snapd.Response{"hello": async("1"), "c8ycc": async("2")},
		changes: map[string][]snapd.Change{
			"1": {{Status: "Do"}, {Status: "Doing"}, {Status: "Done"}},
			"2": {{Status: "Doing"}, {Status: "Done"}},
		},
	}
	b := newBackend(t, client, 10)

	var progress []string
	errs, applied := b.ApplyBatch(context.Background(), []swagent.SoftwareItem{
		{Name: "hello", Version: "2.10##latest/edge", Action: swagent.ActionInstall},
		{Name: "c8ycc", Version: "1.0##beta", Action: swagent.ActionUpdate},
		{Name: "old", Action: swagent.ActionDelete},
		{Name: "odd", Action: swagent.ActionNone},
	}, swagent.ApplyOptions{Progress: func(item swagent.AppliedItem) { progress = append(progress, item.Name) }})

	require.True(t, errs.Empty(), errs.Join(" - "))
	assert.Len(t, applied, 3)
	assert.Equal(t, []string{"hello", "c8ycc", "old"}, progress)
	assert.Equal(t, []call{
		{action: "install", name: "hello", opts: snapd.SnapOptions{Channel: "latest/edge"}},
		{action: "refresh", name: "c8ycc", opts: snapd.SnapOptions{Channel: "beta", Devmode: true}},
		{action: "remove", name: "old"},
	}, client.calls)
	assert.Equal(t, 3, client.polls["1"])
	assert.Equal(t, 2, client.polls["2"])
	assert.Equal(t, swagent.SoftwareTypeSnap, applied[0].SoftwareType)
}

func TestApplyBatchPartialFailure(t *testing.T) {
	client := &stubClient{
		responses: map[string]*snapd.Response{"broken": async("5"), "ok": async("6")},
		failures: map[string]error{
			"missing": &snapd.APIError{StatusCode: 404, Message: `snap "missing" not found`},
		},
		changes: map[string][]snapd.Change{
			"5": {{Status: "Error", Err: "cannot perform the following tasks"}},
			"6": {{Status: "Done"}},
		},
	}
	b := newBackend(t, client, 10)

	errs, applied := b.ApplyBatch(context.Background(), []swagent.SoftwareItem{
		{Name: "missing", Action: swagent.ActionInstall},
		{Name: "broken", Action: swagent.ActionUpdate},
		{Name: "ok", Action: swagent.ActionInstall},
	}, swagent.ApplyOptions{})

	require.Equal(t, 2, errs.Len())
	assert.Equal(t,
		`Snap missing error: snap "missing" not found - Snap broken error: cannot perform the following tasks`,
		errs.Join(" - "))
	require.Len(t, applied, 3)
	assert.False(t, applied[0].OK())
	assert.False(t, applied[1].OK())
	assert.True(t, applied[2].OK())
	assert.True(t, errors.Is(applied[1].Err, swagent.ErrChange))
	assert.True(t, errors.Is(applied[0].Err, swagent.ErrItemApply))
}

func TestApplyBatchChangeTimeout(t *testing.T) {
	client := &stubClient{
		responses: map[string]*snapd.Response{"slow": async("9")},
		changes:   map[string][]snapd.Change{"9": {{Status: "Doing"}}},
	}
	b := newBackend(t, client, 3)

	errs, applied := b.ApplyBatch(context.Background(), []swagent.SoftwareItem{{Name: "slow", Action: swagent.ActionInstall}}, swagent.ApplyOptions{})
	require.Equal(t, 1, errs.Len())
	assert.True(t, errors.Is(applied[0].Err, swagent.ErrChangeTimeout))
	assert.Equal(t, 3, client.polls["9"])
}

func TestApplyBatchCancelled(t *testing.T) {
	client := &stubClient{}
	b := newBackend(t, client, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	errs, _ := b.ApplyBatch(ctx, []swagent.SoftwareItem{
		{Name: "a", Action: swagent.ActionInstall},
		{Name: "b", Action: swagent.ActionInstall},
	}, swagent.ApplyOptions{})
	assert.Equal(t, 2, errs.Len())
	assert.Empty(t, client.calls)
}

func TestListInstalled(t *testing.T) {
	client := &stubClient{snaps: []snapd.Snap{
		{Name: "hello", Version: "2.10", Channel: "latest/edge"},
		{Name: "core", Version: "16-2.61", TrackingChannel: "latest/stable"},
	}}
	b := newBackend(t, client, 1)

	first, err := b.ListInstalled(context.Background())
	require.NoError(t, err)
	second, err := b.ListInstalled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []swagent.InstalledSoftware{
		{Name: "core", Version: "16-2.61", Channel: "latest/stable", SoftwareType: "snap"},
		{Name: "hello", Version: "2.10", Channel: "latest/edge", SoftwareType: "snap"},
	}, first)
}

func TestListInstalledUnavailable(t *testing.T) {
	client := &stubClient{snapsErr: errors.Wrap(snapd.ErrUnavailable, "dial unix /run/snapd.socket")}
	b := newBackend(t, client, 1)

	_, err := b.ListInstalled(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, swagent.ErrBackendUnavailable))
}

func TestRunChange(t *testing.T) {
	client := &stubClient{changes: map[string][]snapd.Change{
		"9":  {{Status: "Doing"}, {Status: "Done"}},
		"10": {{Status: "Error", Err: "cannot revert"}},
	}}
	b := newBackend(t, client, 5)

	err := b.RunChange(context.Background(), "restart apps", func(context.Context) (*snapd.Response, error) {
		return async("9"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, client.polls["9"])

	err = b.RunChange(context.Background(), "revert", func(context.Context) (*snapd.Response, error) {
		return async("10"), nil
	})
	var changeErr *swagent.ChangeError
	require.True(t, errors.As(err, &changeErr), "%v", err)
	assert.Equal(t, "10", changeErr.ChangeID)

	err = b.RunChange(context.Background(), "refresh all", func(context.Context) (*snapd.Response, error) {
		return nil, &snapd.APIError{StatusCode: 400, Message: "snap not installed"}
	})
	var apiErr *snapd.APIError
	assert.True(t, errors.As(err, &apiErr))
}

func TestListInstalledTwiceOverSnapd(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/v2/snaps", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type": "sync", "status-code": 200, "status": "OK",
			"result": []map[string]any{
				{"name": "snapd", "version": "2.61", "channel": "latest/stable"},
				{"name": "c8ycc", "version": "1.4", "tracking-channel": "beta"},
				{"name": "bare", "version": "0.1", "channel": "stable"},
			},
		})
	}).Methods(http.MethodGet)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	client, err := snapd.NewWithHTTPClient(server.URL, server.Client())
	require.NoError(t, err)
	b, err := New(Config{Client: client, PollInterval: time.Millisecond, MaxPolls: 1})
	require.NoError(t, err)

	first, err := b.ListInstalled(context.Background())
	require.NoError(t, err)
	second, err := b.ListInstalled(context.Background())
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, []swagent.InstalledSoftware{
		{Name: "bare", Version: "0.1", Channel: "stable", SoftwareType: "snap"},
		{Name: "c8ycc", Version: "1.4", Channel: "beta", SoftwareType: "snap"},
		{Name: "snapd", Version: "2.61", Channel: "latest/stable", SoftwareType: "snap"},
	}, first)
}
