// Package snap implements the sandboxed package backend on top of snapd.
package snap

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/devmgmt/swagent"
	"github.com/devmgmt/swagent/internal/changes"
	"github.com/devmgmt/swagent/pkg/snapd"
)

// Client is the part of the snapd API the backend needs.
type Client interface {
	SystemInfo(ctx context.Context) (*snapd.SystemInfo, error)
	Snaps(ctx context.Context) ([]snapd.Snap, error)
	Install(ctx context.Context, name string, opts snapd.SnapOptions) (*snapd.Response, error)
	Refresh(ctx context.Context, name string, opts snapd.SnapOptions) (*snapd.Response, error)
	Remove(ctx context.Context, name string) (*snapd.Response, error)
	Change(ctx context.Context, id string) (*snapd.Change, error)
}

// Config wires a Backend.
type Config struct {
	Client       Client
	PollInterval time.Duration
	MaxPolls     uint64
	// DevmodeSnaps are refreshed with devmode confinement.
	DevmodeSnaps []string
}

// Backend applies software items through snapd. Items are applied one at a
// time and each asynchronous change is awaited before the next item starts.
type Backend struct {
	client  Client
	tracker *changes.Tracker
	devmode map[string]struct{}
}

func New(cfg Config) (*Backend, error) {
	if cfg.Client == nil {
		return nil, errors.New("snap backend requires a snapd client")
	}
	b := &Backend{client: cfg.Client, devmode: map[string]struct{}{}}
	for _, name := range cfg.DevmodeSnaps {
		if name = strings.TrimSpace(name); name != "" {
			b.devmode[name] = struct{}{}
		}
	}
	b.tracker = changes.NewTracker(changeSource{client: cfg.Client}, cfg.PollInterval, cfg.MaxPolls)
	return b, nil
}

func (b *Backend) Kind() swagent.BackendKind { return swagent.BackendSandboxed }

// Ping checks that snapd answers.
func (b *Backend) Ping(ctx context.Context) error {
	info, err := b.client.SystemInfo(ctx)
	if err != nil {
		return wrapUnavailable(err, "snapd system-info")
	}
	log.Info().Str("snapd_version", info.Version).Str("series", info.Series).Msg("snapd reachable")
	return nil
}

// ListInstalled returns the installed snaps sorted by name.
func (b *Backend) ListInstalled(ctx context.Context) ([]swagent.InstalledSoftware, error) {
	snaps, err := b.client.Snaps(ctx)
	if err != nil {
		return nil, wrapUnavailable(err, "list snaps")
	}
	out := make([]swagent.InstalledSoftware, 0, len(snaps))
	for _, s := range snaps {
		channel := s.Channel
		if channel == "" {
			channel = s.TrackingChannel
		}
		out = append(out, swagent.InstalledSoftware{
			Name:         s.Name,
			Version:      s.Version,
			Channel:      channel,
			SoftwareType: swagent.SoftwareTypeSnap,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *Backend) ApplyBatch(ctx context.Context, items []swagent.SoftwareItem, opts swagent.ApplyOptions) (swagent.ErrorList, []swagent.AppliedItem) {
	var (
		errs    swagent.ErrorList
		applied = make([]swagent.AppliedItem, 0, len(items))
	)
	for _, item := range items {
		if item.Action == swagent.ActionNone {
			log.Debug().Str("item", item.Name).Msg("skip snap item without supported action")
			continue
		}
		var err error
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		} else {
			err = b.apply(ctx, item)
		}
		err = swagent.NewItemError(swagent.BackendSandboxed, item.Name, err)
		errs.Add(err)

		done := swagent.AppliedItem{SoftwareItem: item, Err: err}
		if done.SoftwareType == "" {
			done.SoftwareType = swagent.SoftwareTypeSnap
		}
		applied = append(applied, done)
		if opts.Progress != nil {
			opts.Progress(done)
		}
	}
	return errs, applied
}

func (b *Backend) apply(ctx context.Context, item swagent.SoftwareItem) error {
	_, channel := swagent.SplitChannel(item.Version)
	logger := log.With().Str("item", item.Name).Str("channel", channel).Str("action", item.Action.String()).Logger()

	var call func(context.Context) (*snapd.Response, error)
	switch item.Action {
	case swagent.ActionInstall:
		logger.Info().Msg("install snap")
		call = func(ctx context.Context) (*snapd.Response, error) {
			return b.client.Install(ctx, item.Name, snapd.SnapOptions{Channel: channel})
		}
	case swagent.ActionUpdate:
		_, devmode := b.devmode[item.Name]
		logger.Info().Bool("devmode", devmode).Msg("refresh snap")
		call = func(ctx context.Context) (*snapd.Response, error) {
			return b.client.Refresh(ctx, item.Name, snapd.SnapOptions{Channel: channel, Devmode: devmode})
		}
	case swagent.ActionDelete:
		logger.Info().Msg("remove snap")
		call = func(ctx context.Context) (*snapd.Response, error) {
			return b.client.Remove(ctx, item.Name)
		}
	case swagent.ActionNone:
		return nil
	}
	return b.RunChange(ctx, "snap "+item.Action.String(), call)
}

// RunChange issues a snapd request and, when snapd answers asynchronously,
// waits for the change to reach a terminal state. A failed change is
// returned as *swagent.ChangeError.
func (b *Backend) RunChange(ctx context.Context, what string, call func(context.Context) (*snapd.Response, error)) error {
	resp, err := call(ctx)
	if err != nil {
		var apiErr *snapd.APIError
		if errors.As(err, &apiErr) {
			return apiErr
		}
		return wrapUnavailable(err, what)
	}
	if !resp.Async() {
		return nil
	}

	result, err := b.tracker.Await(ctx, resp.Change)
	if err != nil {
		return err
	}
	log.Debug().Str("change_id", resp.Change).Str("request", what).Msg("snap change finished")
	if result.Failed() {
		return &swagent.ChangeError{ChangeID: resp.Change, Text: result.Err}
	}
	return nil
}

type changeSource struct {
	client Client
}

func (s changeSource) Change(ctx context.Context, id string) (changes.Snapshot, error) {
	change, err := s.client.Change(ctx, id)
	if err != nil {
		return changes.Snapshot{}, err
	}
	return changes.Snapshot{ID: change.ID, Status: change.Status, Err: change.Err}, nil
}

func wrapUnavailable(err error, what string) error {
	if errors.Is(err, snapd.ErrUnavailable) {
		return errors.Wrapf(swagent.ErrBackendUnavailable, "%s: %v", what, err)
	}
	return errors.Wrap(err, what)
}
