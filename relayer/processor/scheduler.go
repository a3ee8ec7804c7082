package processor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	sdkmath "cosmossdk.io/math"
	chantypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/straitlabs/strait/relayer/provider"
)

const (
	// DefaultFlushInterval is how often packet clear passes run when the
	// operator does not override it. Zero disables the backstop entirely.
	DefaultFlushInterval = 5 * time.Minute

	// subscribeRetryDelay spaces out resubscription attempts after an event
	// stream fails.
	subscribeRetryDelay = 5 * time.Second
)

// pathRunner wraps a RelayPath with scheduler-side run state. clearing
// guards against overlapping clear passes; halted latches once a frozen
// client makes the path unrelayable.
type pathRunner struct {
	path     *RelayPath
	clearing atomic.Bool
	halted   atomic.Bool
}

type walletConfig struct {
	feeDenom   string
	minBalance sdkmath.Int
}

// Scheduler subscribes to event batches from every chain referenced by its
// paths, routes each event to the worker that owns it (spawning workers on
// demand through the registry), delivers block ticks to everything else on
// that chain, and runs the periodic packet clear backstop.
//
// All registry lifecycle decisions happen on the loop goroutine. Operator
// operations go through a command channel and are only served while Run is
// active.
type Scheduler struct {
	log      *zap.Logger
	metrics  *PrometheusMetrics
	registry *Registry

	chains  map[string]provider.ChainProvider
	paths   []*pathRunner
	wallets map[string]walletConfig

	flushInterval time.Duration
	clearOnStart  bool

	commands chan schedulerCommand
	inbound  chan provider.EventBatch
}

// NewScheduler builds a scheduler with no paths. Configure it with the
// With*/Add* methods before calling Run; Run may be called once.
func NewScheduler(log *zap.Logger) *Scheduler {
	return &Scheduler{
		log:           log,
		chains:        make(map[string]provider.ChainProvider),
		wallets:       make(map[string]walletConfig),
		flushInterval: DefaultFlushInterval,
		commands:      make(chan schedulerCommand),
		inbound:       make(chan provider.EventBatch, 32),
	}
}

func (s *Scheduler) WithMetrics(m *PrometheusMetrics) *Scheduler {
	s.metrics = m
	return s
}

// WithFlushInterval sets the clear pass period. Zero disables periodic
// flushes; manual and resubscribe-triggered passes still run.
func (s *Scheduler) WithFlushInterval(d time.Duration) *Scheduler {
	s.flushInterval = d
	return s
}

// WithClearOnStart runs one clear pass per path as soon as Run starts,
// picking up packets left pending across a restart.
func (s *Scheduler) WithClearOnStart(clear bool) *Scheduler {
	s.clearOnStart = clear
	return s
}

// WithWallet monitors the relayer's balances on chainID, warning when the
// feeDenom balance drops below minBalance. A nil minBalance disables the
// floor but keeps the gauges.
func (s *Scheduler) WithWallet(chainID, feeDenom string, minBalance sdkmath.Int) *Scheduler {
	s.wallets[chainID] = walletConfig{feeDenom: feeDenom, minBalance: minBalance}
	return s
}

// AddPath registers a relay path and the chains on both of its ends. Path
// names must be unique; events are claimed by the first path that matches.
func (s *Scheduler) AddPath(p *RelayPath) error {
	for _, pr := range s.paths {
		if pr.path.Name() == p.Name() {
			return fmt.Errorf("path %s already registered", p.Name())
		}
	}
	s.paths = append(s.paths, &pathRunner{path: p})
	s.chains[p.end1.ChainProvider.ChainID()] = p.end1.ChainProvider
	s.chains[p.end2.ChainProvider.ChainID()] = p.end2.ChainProvider
	return nil
}

// Run drives the scheduler until ctx is canceled: one event pump per chain,
// the routing loop, and the standing client and wallet workers. Worker exit
// errors are aggregated into the returned error at shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.paths) == 0 {
		return errors.New("no paths registered")
	}
	s.registry = NewRegistry(s.log, s.metrics)

	eg, egCtx := errgroup.WithContext(ctx)

	s.spawnStandingWorkers(egCtx)

	for _, chain := range s.chains {
		chain := chain
		eg.Go(func() error { return s.pump(egCtx, chain) })
	}
	eg.Go(func() error { return s.loop(egCtx) })

	err := eg.Wait()
	return multierr.Append(err, s.registry.Shutdown())
}

// spawnStandingWorkers starts the workers that exist for the lifetime of
// the scheduler rather than on demand: one client worker per path end and
// one wallet worker per monitored chain.
func (s *Scheduler) spawnStandingWorkers(ctx context.Context) {
	for _, pr := range s.paths {
		p := pr.path
		for _, chainID := range []string{p.end1.ChainProvider.ChainID(), p.end2.ChainProvider.ChainID()} {
			client, ok := p.Client(chainID)
			if !ok {
				continue
			}
			cp, _ := p.CounterpartyChainID(chainID)
			object := ClientObject(cp, chainID, client.ClientID())
			s.registry.Acquire(ctx, object, func() workerTask { return newClientTask(client) })
		}
	}

	for chainID, cfg := range s.wallets {
		chain, ok := s.chains[chainID]
		if !ok {
			s.log.Warn("Wallet monitor configured for a chain no path uses",
				zap.String("chain_id", chainID))
			continue
		}
		s.registry.Acquire(ctx, WalletObject(chainID), func() workerTask {
			return newWalletTask(chain, s.metrics, cfg.feeDenom, cfg.minBalance)
		})
	}
}

// pump owns the subscription to one chain, forwarding batches to the loop.
// A failed stream is resubscribed after a delay; because a new stream may
// have missed events, every resubscribe schedules a flush for the chain.
func (s *Scheduler) pump(ctx context.Context, chain provider.ChainProvider) error {
	log := s.log.With(zap.String("chain_id", chain.ChainID()))
	subscribedBefore := false
	for {
		batches, errs, err := chain.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("Failed to subscribe to chain events", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(subscribeRetryDelay):
			}
			continue
		}
		log.Info("Listening for chain events")
		if subscribedBefore {
			select {
			case s.commands <- schedulerCommand{kind: commandFlushChain, chainID: chain.ChainID()}:
			case <-ctx.Done():
				return nil
			}
		}
		subscribedBefore = true

	stream:
		for {
			select {
			case <-ctx.Done():
				return nil
			case b, ok := <-batches:
				if !ok {
					log.Warn("Event stream closed")
					break stream
				}
				select {
				case s.inbound <- b:
				case <-ctx.Done():
					return nil
				}
			case streamErr, ok := <-errs:
				if ok && streamErr != nil {
					log.Warn("Event stream terminated", zap.Error(streamErr))
				}
				break stream
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(subscribeRetryDelay):
		}
	}
}

// loop is the single goroutine that routes events, serves operator
// commands, and fires the periodic clear backstop.
func (s *Scheduler) loop(ctx context.Context) error {
	var flushC <-chan time.Time
	if s.flushInterval > 0 {
		ticker := time.NewTicker(s.flushInterval)
		defer ticker.Stop()
		flushC = ticker.C
	}

	if s.clearOnStart {
		s.clearAllPaths(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-s.inbound:
			s.route(ctx, b)
		case cmd := <-s.commands:
			s.handleCommand(ctx, cmd)
		case <-flushC:
			s.clearAllPaths(ctx)
		}
	}
}

// routedBatch is one worker's slice of an inbound batch plus the factory to
// spawn the worker if it is not live yet.
type routedBatch struct {
	batch   provider.EventBatch
	factory func() workerTask
}

// route fans one inbound batch out: validated events go to the worker that
// owns them, every other live worker on the chain gets the batch header as
// a block tick, and packet workers for channels that just closed are
// retired.
func (s *Scheduler) route(ctx context.Context, b provider.EventBatch) {
	routed := make(map[WorkerObject]*routedBatch)
	for _, ev := range b.Events {
		if err := validateEvent(ev); err != nil {
			s.log.Warn("Dropping malformed event",
				zap.String("chain_id", b.ChainID),
				zap.String("event_type", ev.Type),
				zap.Error(err))
			if s.metrics != nil {
				s.metrics.IncMalformedEvent(b.ChainID)
			}
			continue
		}
		sp, ok := s.spawnFor(b.ChainID, ev)
		if !ok {
			continue
		}
		rb, ok := routed[sp.object]
		if !ok {
			rb = &routedBatch{
				batch:   provider.EventBatch{ChainID: b.ChainID, Height: b.Height, Time: b.Time},
				factory: sp.factory,
			}
			routed[sp.object] = rb
		}
		rb.batch.Events = append(rb.batch.Events, ev)
	}

	for object, rb := range routed {
		w, _ := s.registry.Acquire(ctx, object, rb.factory)
		w.Deliver(rb.batch)
	}

	tick := provider.EventBatch{ChainID: b.ChainID, Height: b.Height, Time: b.Time}
	for _, w := range s.registry.Workers() {
		o := w.Object()
		if _, ok := routed[o]; ok {
			continue
		}
		if o.SrcChainID == b.ChainID || o.DstChainID == b.ChainID {
			w.Deliver(tick)
		}
	}

	for _, ev := range b.Events {
		if ev.Type == chantypes.EventTypeChannelClosed && ev.Channel != nil {
			s.retireClosedChannel(b.ChainID, *ev.Channel)
		}
	}
}

// spawn pairs a worker object with the factory that builds its task.
type spawn struct {
	object  WorkerObject
	factory func() workerTask
}

// spawnFor resolves which worker owns an event observed on chainID. The
// first path that claims the event wins; an event no path claims is
// dropped. Halted paths claim nothing.
func (s *Scheduler) spawnFor(chainID string, ev provider.Event) (spawn, bool) {
	for _, pr := range s.paths {
		if pr.halted.Load() {
			continue
		}
		p := pr.path
		cp, ok := p.CounterpartyChainID(chainID)
		if !ok {
			continue
		}

		switch {
		case packetEventTypes[ev.Type]:
			info := ev.Packet
			if !p.Permits(info.SourceChannel, info.SourcePort, info.DestChannel, info.DestPort) {
				continue
			}
			// Send, acknowledge, and timeout events fire on the chain the
			// packet originated from; recv and write-ack fire on the
			// destination. The worker is keyed by the originating end either
			// way.
			src := chainID
			if ev.Type == chantypes.EventTypeRecvPacket || ev.Type == chantypes.EventTypeWriteAck {
				src = cp
			}
			d, ok := p.direction(src)
			if !ok {
				continue
			}
			return spawn{
				object:  PacketObject(src, d.dst.ChainProvider.ChainID(), info.SourceChannel, info.SourcePort),
				factory: func() workerTask { return newPacketTask(p, d, info.SourceChannel, info.SourcePort) },
			}, true

		case channelEventTypes[ev.Type]:
			ch := ev.Channel
			if ch.ChannelID == "" {
				// Cannot key a worker before the chain assigns the ID.
				return spawn{}, false
			}
			d, ok := p.direction(chainID)
			if !ok {
				continue
			}
			if ch.ConnID != "" && ch.ConnID != d.src.ConnectionID {
				continue
			}
			if !p.Permits(ch.ChannelID, ch.PortID, ch.CounterpartyChannelID, ch.CounterpartyPortID) {
				continue
			}
			return spawn{
				object:  ChannelObject(chainID, cp, ch.ChannelID, ch.PortID),
				factory: func() workerTask { return newChannelTask(p, d, ch.ChannelID, ch.PortID) },
			}, true

		case connectionEventTypes[ev.Type]:
			conn := ev.Connection
			if conn.ConnID == "" {
				return spawn{}, false
			}
			d, ok := p.direction(chainID)
			if !ok {
				continue
			}
			if conn.ConnID != d.src.ConnectionID {
				continue
			}
			return spawn{
				object:  ConnectionObject(chainID, cp, conn.ConnID),
				factory: func() workerTask { return newConnectionTask(p, d, conn.ConnID) },
			}, true

		case clientEventTypes[ev.Type]:
			client, ok := p.Client(chainID)
			if !ok || client.ClientID() != ev.Client.ClientID {
				continue
			}
			return spawn{
				object:  ClientObject(cp, chainID, client.ClientID()),
				factory: func() workerTask { return newClientTask(client) },
			}, true
		}
	}
	return spawn{}, false
}

// retireClosedChannel tears down the packet workers on both ends of a
// channel that reached CLOSED. Ordered-channel timeouts close channels, so
// this is a normal part of packet flow, not only operator-driven closes.
func (s *Scheduler) retireClosedChannel(chainID string, ch provider.ChannelInfo) {
	n := s.registry.RetireWhere(func(o WorkerObject) bool {
		if o.Kind != ObjectPacket {
			return false
		}
		if o.SrcChainID == chainID && o.ChannelID == ch.ChannelID && o.PortID == ch.PortID {
			return true
		}
		return ch.CounterpartyChannelID != "" &&
			o.DstChainID == chainID &&
			o.ChannelID == ch.CounterpartyChannelID &&
			o.PortID == ch.CounterpartyPortID
	})
	if n > 0 {
		s.log.Info("Retired packet workers for closed channel",
			zap.String("chain_id", chainID),
			zap.String("channel_id", ch.ChannelID),
			zap.String("port_id", ch.PortID),
			zap.Int("workers", n))
	}
}

// clearAllPaths kicks a clear pass for every path that is not already in
// one.
func (s *Scheduler) clearAllPaths(ctx context.Context) {
	for _, pr := range s.paths {
		s.clearPath(ctx, pr)
	}
}

// clearPath runs one full clear pass for the path in its own goroutine. At
// most one pass per path runs at a time; a tick that lands mid-pass is
// skipped rather than queued.
func (s *Scheduler) clearPath(ctx context.Context, pr *pathRunner) {
	if pr.halted.Load() {
		return
	}
	if !pr.clearing.CompareAndSwap(false, true) {
		s.log.Debug("Skipping clear pass, previous pass still running",
			zap.String("path_name", pr.path.Name()))
		return
	}
	go func() {
		defer pr.clearing.Store(false)
		err := pr.path.Clear(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrFrozenClient):
			// Workers on the path exit on their own when they hit the frozen
			// client; halting just stops spawning new ones.
			pr.halted.Store(true)
			s.log.Error("Halting path: client is frozen",
				zap.String("path_name", pr.path.Name()),
				zap.Error(err))
		case ctx.Err() != nil:
		default:
			s.log.Warn("Clear pass failed",
				zap.String("path_name", pr.path.Name()),
				zap.Error(err))
		}
	}()
}

type commandKind int

const (
	commandStartWorker commandKind = iota + 1
	commandStopWorker
	commandClearPackets
	commandWorkerStatus
	commandFlushChain
)

type schedulerCommand struct {
	kind     commandKind
	object   WorkerObject
	pathName string
	chainID  string
	reply    chan commandReply
}

type commandReply struct {
	status  []WorkerStatus
	stopped bool
	err     error
}

func (s *Scheduler) handleCommand(ctx context.Context, cmd schedulerCommand) {
	var rep commandReply
	switch cmd.kind {
	case commandStartWorker:
		factory, err := s.factoryFor(cmd.object)
		if err != nil {
			rep.err = err
			break
		}
		_, created := s.registry.Acquire(ctx, cmd.object, factory)
		if !created {
			s.log.Debug("Worker already live", zap.Object("object", cmd.object))
		}
	case commandStopWorker:
		rep.stopped = s.registry.Retire(cmd.object)
	case commandClearPackets:
		if cmd.pathName == "" {
			s.clearAllPaths(ctx)
			break
		}
		pr, ok := s.pathByName(cmd.pathName)
		if !ok {
			rep.err = fmt.Errorf("unknown path %s", cmd.pathName)
			break
		}
		s.clearPath(ctx, pr)
	case commandWorkerStatus:
		rep.status = s.registry.Status()
	case commandFlushChain:
		for _, pr := range s.paths {
			if pr.path.Involves(cmd.chainID) {
				s.clearPath(ctx, pr)
			}
		}
		for _, w := range s.registry.Workers() {
			o := w.Object()
			if o.SrcChainID == cmd.chainID || o.DstChainID == cmd.chainID {
				w.Flush()
			}
		}
	}
	if cmd.reply != nil {
		cmd.reply <- rep
	}
}

// factoryFor rebuilds a task for an operator-requested worker object by
// finding the path that serves it. It mirrors spawnFor but starts from an
// object instead of an event.
func (s *Scheduler) factoryFor(object WorkerObject) (func() workerTask, error) {
	switch object.Kind {
	case ObjectClient:
		for _, pr := range s.paths {
			p := pr.path
			client, ok := p.Client(object.DstChainID)
			if !ok || client.ClientID() != object.ClientID {
				continue
			}
			if cp, ok := p.CounterpartyChainID(object.DstChainID); !ok || cp != object.SrcChainID {
				continue
			}
			return func() workerTask { return newClientTask(client) }, nil
		}
	case ObjectConnection:
		for _, pr := range s.paths {
			p := pr.path
			d, ok := p.direction(object.SrcChainID)
			if !ok || d.dst.ChainProvider.ChainID() != object.DstChainID {
				continue
			}
			return func() workerTask { return newConnectionTask(p, d, object.ConnID) }, nil
		}
	case ObjectChannel:
		for _, pr := range s.paths {
			p := pr.path
			d, ok := p.direction(object.SrcChainID)
			if !ok || d.dst.ChainProvider.ChainID() != object.DstChainID {
				continue
			}
			if !p.Permits(object.ChannelID, object.PortID, "", "") {
				continue
			}
			return func() workerTask { return newChannelTask(p, d, object.ChannelID, object.PortID) }, nil
		}
	case ObjectPacket:
		for _, pr := range s.paths {
			p := pr.path
			d, ok := p.direction(object.SrcChainID)
			if !ok || d.dst.ChainProvider.ChainID() != object.DstChainID {
				continue
			}
			if !p.Permits(object.ChannelID, object.PortID, "", "") {
				continue
			}
			return func() workerTask { return newPacketTask(p, d, object.ChannelID, object.PortID) }, nil
		}
	case ObjectWallet:
		chain, ok := s.chains[object.SrcChainID]
		if !ok {
			return nil, fmt.Errorf("no path uses chain %s", object.SrcChainID)
		}
		cfg := s.wallets[object.SrcChainID]
		return func() workerTask {
			return newWalletTask(chain, s.metrics, cfg.feeDenom, cfg.minBalance)
		}, nil
	}
	return nil, fmt.Errorf("no configured path serves worker %s", object)
}

func (s *Scheduler) pathByName(name string) (*pathRunner, bool) {
	for _, pr := range s.paths {
		if pr.path.Name() == name {
			return pr, true
		}
	}
	return nil, false
}

// StartWorker spawns the worker for object if it is not live. It fails when
// no configured path can serve the object. Blocks until the scheduler loop
// picks the command up or ctx ends.
func (s *Scheduler) StartWorker(ctx context.Context, object WorkerObject) error {
	rep, err := s.send(ctx, schedulerCommand{kind: commandStartWorker, object: object})
	if err != nil {
		return err
	}
	return rep.err
}

// StopWorker retires the worker for object, reporting whether one was live.
func (s *Scheduler) StopWorker(ctx context.Context, object WorkerObject) (bool, error) {
	rep, err := s.send(ctx, schedulerCommand{kind: commandStopWorker, object: object})
	if err != nil {
		return false, err
	}
	return rep.stopped, rep.err
}

// ClearPackets schedules a full clear pass for the named path, or for every
// path when pathName is empty. The pass runs asynchronously.
func (s *Scheduler) ClearPackets(ctx context.Context, pathName string) error {
	rep, err := s.send(ctx, schedulerCommand{kind: commandClearPackets, pathName: pathName})
	if err != nil {
		return err
	}
	return rep.err
}

// WorkerStatus snapshots every live worker.
func (s *Scheduler) WorkerStatus(ctx context.Context) ([]WorkerStatus, error) {
	rep, err := s.send(ctx, schedulerCommand{kind: commandWorkerStatus})
	if err != nil {
		return nil, err
	}
	return rep.status, rep.err
}

func (s *Scheduler) send(ctx context.Context, cmd schedulerCommand) (commandReply, error) {
	cmd.reply = make(chan commandReply, 1)
	select {
	case s.commands <- cmd:
	case <-ctx.Done():
		return commandReply{}, ctx.Err()
	}
	select {
	case rep := <-cmd.reply:
		return rep, nil
	case <-ctx.Done():
		return commandReply{}, ctx.Err()
	}
}
