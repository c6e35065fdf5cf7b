package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/devmgmt/swagent"
	"github.com/devmgmt/swagent/internal/config"
	"github.com/devmgmt/swagent/pkg/apt"
	"github.com/devmgmt/swagent/pkg/journal"
	"github.com/devmgmt/swagent/pkg/platform"
	"github.com/devmgmt/swagent/pkg/snap"
	"github.com/devmgmt/swagent/pkg/snapd"
)

// runtime holds the collaborators shared by the subcommands.
type runtime struct {
	mode       swagent.BackendKind
	serial     string
	token      *swagent.Token
	platform   *platform.Client
	snapd      *snapd.Client
	os         *apt.Backend
	sandboxed  *snap.Backend
	journal    *journal.Journal
	reporter   *swagent.Reporter
	dispatcher *swagent.Dispatcher
}

// credentialsReady satisfies swagent.TokenWaiter when the platform is reached
// with basic credentials instead of a transport-delivered token.
type credentialsReady struct{}

func (credentialsReady) Wait(context.Context, time.Duration) bool { return true }

func newBackends(c *config.Config, token *swagent.Token) (*runtime, error) {
	if token == nil {
		token = swagent.NewToken()
	}
	mode, err := swagent.ParseBackendKind(c.Software.PackageManager)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		mode:   mode,
		serial: deviceSerial(c.Agent.DeviceID),
		token:  token,
		snapd:  snapd.New(c.Snapd.Socket),
		os:     apt.New(apt.Config{}),
	}
	rt.sandboxed, err = snap.New(snap.Config{
		Client:       rt.snapd,
		PollInterval: c.Software.ChangePollInterval,
		MaxPolls:     c.Software.ChangeMaxPolls,
		DevmodeSnaps: c.Software.DevmodeSnaps,
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) active() swagent.PackageManager {
	if rt.mode == swagent.BackendSandboxed {
		return rt.sandboxed
	}
	return rt.os
}

type runtimeOptions struct {
	// Publisher receives every outbound SmartREST message.
	Publisher swagent.Publisher
	// Token carries the transport-delivered JWT; nil creates an empty one.
	Token *swagent.Token
	// TokenWaiter gates inventory pushes; defaults to Token.
	TokenWaiter swagent.TokenWaiter
}

func newRuntime(c *config.Config, opts runtimeOptions) (*runtime, error) {
	rt, err := newBackends(c, opts.Token)
	if err != nil {
		return nil, err
	}
	publisher, tokenWaiter := opts.Publisher, opts.TokenWaiter

	reporterCfg := swagent.ReporterConfig{
		Publisher: publisher,
		Serial:    rt.serial,
		TokenWait: c.Agent.TokenWait,
	}
	if c.Platform.BaseURL != "" {
		rt.platform, err = platform.New(platform.Config{
			BaseURL:     c.Platform.BaseURL,
			Tenant:      c.Platform.Tenant,
			User:        c.Platform.User,
			Password:    c.Platform.Password,
			Token:       rt.token,
			DownloadDir: c.Download.Dir,
			RetryDelay:  c.Download.RetryDelay,
		})
		if err != nil {
			return nil, err
		}
		reporterCfg.Inventory = rt.platform
		reporterCfg.Token = tokenWaiter
		if reporterCfg.Token == nil {
			reporterCfg.Token = rt.token
		}
	} else {
		log.Warn().Msg("platform.base_url not set; inventory pushes and binary downloads disabled")
	}
	rt.reporter, err = swagent.NewReporter(reporterCfg)
	if err != nil {
		return nil, err
	}

	dispatcherCfg := swagent.DispatcherConfig{
		Mode:         rt.mode,
		OS:           rt.os,
		Sandboxed:    rt.sandboxed,
		Installer:    rt.os,
		Reporter:     rt.reporter,
		BinaryMarker: c.Software.BinaryMarker,
	}
	if rt.platform != nil {
		dispatcherCfg.Fetcher = rt.platform
	}
	if !c.Journal.Disabled {
		rt.journal, err = journal.Open(c.Journal.Path)
		if err != nil {
			return nil, err
		}
		dispatcherCfg.Recorder = rt.journal
	}
	rt.dispatcher, err = swagent.NewDispatcher(dispatcherCfg)
	if err != nil {
		rt.Close()
		return nil, errors.Wrap(err, "build dispatcher")
	}
	return rt, nil
}

func (rt *runtime) Close() {
	if rt.journal != nil {
		if err := rt.journal.Close(); err != nil {
			log.Warn().Err(err).Msg("close journal failed")
		}
	}
}
