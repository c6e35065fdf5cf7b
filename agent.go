package swagent

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Transport delivers downstream SmartREST messages and publishes upstream ones.
type Transport interface {
	Publisher
	Subscribe(ctx context.Context, topic string, handler func(Inbound)) error
}

// TokenRequester is implemented by transports that fetch the platform token
// on demand.
type TokenRequester interface {
	RequestToken(ctx context.Context) error
}

const (
	defaultQueueSize    = 16
	defaultTokenRefresh = 30 * time.Minute
)

// AgentConfig wires an Agent.
type AgentConfig struct {
	Transport  Transport
	Dispatcher *Dispatcher
	Reporter   *Reporter
	QueueSize  int
	// TokenRefresh is how often a TokenRequester transport is asked for a
	// new token.
	TokenRefresh time.Duration
}

// Agent owns the single operation worker. Operations are handled one at a
// time in arrival order. In snap mode a 516 that arrives while another is
// queued or running is rejected on arrival instead of queued.
type Agent struct {
	transport    Transport
	dispatcher   *Dispatcher
	reporter     *Reporter
	queueSize    int
	tokenRefresh time.Duration
}

func NewAgent(cfg AgentConfig) (*Agent, error) {
	if cfg.Transport == nil {
		return nil, errors.New("agent requires a transport")
	}
	if cfg.Dispatcher == nil || cfg.Reporter == nil {
		return nil, errors.New("agent requires a dispatcher and a reporter")
	}
	a := &Agent{
		transport:    cfg.Transport,
		dispatcher:   cfg.Dispatcher,
		reporter:     cfg.Reporter,
		queueSize:    cfg.QueueSize,
		tokenRefresh: cfg.TokenRefresh,
	}
	if a.queueSize <= 0 {
		a.queueSize = defaultQueueSize
	}
	if a.tokenRefresh <= 0 {
		a.tokenRefresh = defaultTokenRefresh
	}
	return a, nil
}

// Run subscribes to downstream operations and processes them until ctx is
// cancelled.
func (a *Agent) Run(ctx context.Context) error {
	active := a.dispatcher.Active()
	if pinger, ok := active.(Pinger); ok {
		if err := pinger.Ping(ctx); err != nil {
			return errors.Wrapf(err, "%s backend not ready", active.Kind())
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	queue := make(chan queuedOperation, a.queueSize)
	var rejects sync.WaitGroup

	err := a.transport.Subscribe(gctx, TopicDownstream, func(in Inbound) {
		if !a.dispatcher.Handles(in) {
			return
		}
		res := a.dispatcher.Reserve(in)
		if res.Rejected() {
			// publishing from inside the subscription callback can stall the client
			rejects.Add(1)
			go func() {
				defer rejects.Done()
				a.dispatcher.HandleReserved(gctx, in, res)
			}()
			return
		}
		select {
		case queue <- queuedOperation{in: in, res: res}:
		case <-gctx.Done():
			res.Release()
		}
	})
	if err != nil {
		return errors.Wrap(err, "subscribe downstream operations")
	}
	log.Info().Str("mode", a.dispatcher.Mode().String()).Msg("software agent started")

	GroupGoSafe(gctx, group, "operation-worker", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case op := <-queue:
				a.dispatcher.HandleReserved(ctx, op.in, op.res)
			}
		}
	})
	GroupGoSafe(gctx, group, "announce", a.Announce)
	if requester, ok := a.transport.(TokenRequester); ok {
		GroupGoSafe(gctx, group, "token-refresh", func(ctx context.Context) error {
			return a.refreshToken(ctx, requester)
		})
	}

	err = group.Wait()
	rejects.Wait()
	for len(queue) > 0 {
		(<-queue).res.Release()
	}
	log.Info().Err(err).Msg("software agent stopped")
	return err
}

type queuedOperation struct {
	in  Inbound
	res Reservation
}

// Announce publishes the supported operations and software types and pushes
// the current inventory of the active backend.
func (a *Agent) Announce(ctx context.Context) error {
	a.reporter.SupportedOperations(ctx)
	active := a.dispatcher.Active()

	logInventoryErr(ctx, a.reporter.SupportedSoftwareTypes(ctx, active.Kind().String()), "supported software types")

	installed, err := active.ListInstalled(ctx)
	if err != nil {
		log.Error().Err(err).Str("backend", active.Kind().String()).Msg("startup inventory unavailable")
		return nil
	}
	logInventoryErr(ctx, a.reporter.PushAdvancedList(ctx, installed), "startup inventory")
	return nil
}

func (a *Agent) refreshToken(ctx context.Context, requester TokenRequester) error {
	ticker := time.NewTicker(a.tokenRefresh)
	defer ticker.Stop()
	for {
		if err := requester.RequestToken(ctx); err != nil {
			log.Warn().Err(err).Msg("request platform token failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
