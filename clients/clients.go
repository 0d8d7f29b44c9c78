// Copyright (c) 2016 The btcview developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package clients

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"

	"github.com/btcview/bdvd/bdv"
	"github.com/btcview/bdvd/chain"
	"github.com/btcview/bdvd/queue"
)

const (
	// defaultFanOutWorkers is the inner worker count used when the
	// config does not size the pool.  Matches the constrained/test
	// deployment.
	defaultFanOutWorkers = 2

	// defaultGCInterval is how often dead-callback sessions are
	// collected.
	defaultGCInterval = time.Minute

	// eventQueueSize sizes the channel side of the event queues; the
	// queues grow without bound past it rather than blocking.
	eventQueueSize = 20
)

// ErrShutdown is returned by operations submitted after the registry
// began shutting down.
var ErrShutdown = errors.New("client registry shutting down")

// event is one raw inbound event awaiting fan-out.  A nil target list
// means broadcast to every registered session.
type event struct {
	targets []string
	ntfn    bdv.Notification
}

// notificationPacket pairs an event with a single resolved target.
// Exactly one worker consumes each packet.
type notificationPacket struct {
	viewID string
	ntfn   bdv.Notification
}

// Command is one client command addressed at the orchestrator or, via
// the first id, at a registered session.
type Command struct {
	Method string
	IDs    []string
	Args   json.RawMessage
}

type commandResult struct {
	result interface{}
	err    error
}

type commandRequest struct {
	cmd  *Command
	resp chan *commandResult
}

// RegisterBDVResult is the reply to the registerBDV command.
type RegisterBDVResult struct {
	ID             string `json:"id"`
	TopBlockHeight int32  `json:"topblockheight"`
}

// Config describes a Clients instance.  Worker sizing is decided by
// the caller (the daemon sizes from its high-throughput flag); the
// orchestrator never inspects hardware.
type Config struct {
	// Engine is the blockchain engine events are consumed from.
	Engine chain.Engine

	// FanOutWorkers is the size of the inner delivery pool.  Zero
	// selects defaultFanOutWorkers.
	FanOutWorkers int

	// GCInterval is the period of the dead-session collector.  Zero
	// selects defaultGCInterval.
	GCInterval time.Duration

	// GCTicker overrides the collector's ticker, letting tests force
	// collection cycles.  Leave nil for a real interval ticker.
	GCTicker ticker.Ticker

	// ShutdownCallback notifies the outer request server that the
	// process is shutting down.  Invoked exactly once, after every
	// session has been unregistered.
	ShutdownCallback func()
}

// Clients is the registry of active sessions and the pipeline moving
// engine events into them.  It owns the command goroutine, the outer
// dispatcher, the inner fan-out pool, and the session garbage
// collector.
type Clients struct {
	cfg      Config
	engine   chain.Engine
	registry *registry

	cmdQueue   *queue.ConcurrentQueue[*commandRequest]
	outerQueue *queue.ConcurrentQueue[*event]

	// innerQueues is the fan-out stage.  Packets are sharded by
	// session id, so packets for one session always land on the same
	// worker and per-session delivery order follows dispatch order.
	innerQueues []*queue.ConcurrentQueue[*notificationPacket]

	gcTicker ticker.Ticker

	run          atomic.Bool
	eg           errgroup.Group
	quit         chan struct{}
	shutdownOnce sync.Once
}

// New constructs and starts a Clients instance: queues running,
// goroutines launched, zero-conf bridge registered with the engine.
// The garbage collector is omitted for unit-test node deployments.
func New(cfg *Config) (*Clients, error) {
	if cfg == nil || cfg.Engine == nil {
		return nil, errors.New("missing engine")
	}

	workers := cfg.FanOutWorkers
	if workers <= 0 {
		workers = defaultFanOutWorkers
	}
	gcInterval := cfg.GCInterval
	if gcInterval <= 0 {
		gcInterval = defaultGCInterval
	}
	gcTicker := cfg.GCTicker
	if gcTicker == nil {
		gcTicker = ticker.New(gcInterval)
	}

	c := &Clients{
		cfg:        *cfg,
		engine:     cfg.Engine,
		registry:   newRegistry(),
		cmdQueue:   queue.NewConcurrentQueue[*commandRequest](eventQueueSize),
		outerQueue: queue.NewConcurrentQueue[*event](eventQueueSize),
		gcTicker:   gcTicker,
		quit:       make(chan struct{}),
	}
	c.run.Store(true)

	c.cmdQueue.Start()
	c.outerQueue.Start()
	c.innerQueues = make(
		[]*queue.ConcurrentQueue[*notificationPacket], workers,
	)
	for i := range c.innerQueues {
		c.innerQueues[i] = queue.NewConcurrentQueue[*notificationPacket](
			eventQueueSize,
		)
		c.innerQueues[i].Start()
	}

	c.engine.RegisterZcCallbacks(&zeroConfBridge{views: c})

	c.eg.Go(c.commandLoop)
	c.eg.Go(c.engineLoop)
	c.eg.Go(c.dispatchLoop)
	for i := range c.innerQueues {
		i := i
		c.eg.Go(func() error { return c.fanOutLoop(i) })
	}

	// No garbage collection for unit-test deployments.
	if c.engine.Config().Node != chain.NodeUnitTest {
		c.gcTicker.Resume()
		c.eg.Go(c.gcLoop)
	}

	log.Infof("Client registry started with %d fan-out worker(s)",
		workers)
	return c, nil
}

// viewSnapshot implements viewLookup for the zero-conf bridge.
func (c *Clients) viewSnapshot() map[string]*bdv.Session {
	return c.registry.snapshot()
}

// enqueueEvent implements viewLookup and is the single entry point of
// the inbound event queue.
func (c *Clients) enqueueEvent(ev *event) {
	select {
	case c.outerQueue.ChanIn() <- ev:
	case <-c.quit:
	}
}

// Get returns the session registered under id, if present.
func (c *Clients) Get(id string) (*bdv.Session, bool) {
	return c.registry.get(id)
}

// NumSessions returns the number of registered sessions.
func (c *Clients) NumSessions() int {
	return len(c.registry.snapshot())
}

// RegisterBDV allocates a new session with a long-poll callback,
// starts its background threads, and publishes it in the registry.
func (c *Clients) RegisterBDV() (*bdv.Session, error) {
	if !c.run.Load() {
		return nil, ErrShutdown
	}

	s, err := bdv.NewSession(c.engine, bdv.NewSocketCallback(0))
	if err != nil {
		return nil, err
	}
	c.registry.add(s)
	s.Start()

	log.Infof("Registered new session %s", s.ID())
	return s, nil
}

// UnregisterBDV removes the session from the registry and halts its
// threads.  It returns false if no such session exists.
func (c *Clients) UnregisterBDV(id string) bool {
	s, ok := c.registry.remove(id)
	if !ok {
		return false
	}
	s.HaltThreads()
	log.Infof("Unregistered session %s", id)
	return true
}

// Poll blocks on the session's long-poll callback and returns the
// notifications accumulated since the last successful poll.
func (c *Clients) Poll(id string, timeout time.Duration) ([]bdv.Notification, error) {
	s, ok := c.registry.get(id)
	if !ok {
		return nil, btcjson.NewRPCError(btcjson.ErrRPCInvalidParams.Code,
			fmt.Sprintf("unknown session %q", id))
	}
	cb := s.Callback()
	if cb == nil {
		return nil, btcjson.NewRPCError(btcjson.ErrRPCInvalidParams.Code,
			fmt.Sprintf("session %q has no callback", id))
	}
	return cb.Respond(timeout)
}

// RunCommand submits a command to the command goroutine and blocks for
// its result.
func (c *Clients) RunCommand(cmd *Command) (interface{}, error) {
	if !c.run.Load() {
		return nil, ErrShutdown
	}

	req := &commandRequest{
		cmd:  cmd,
		resp: make(chan *commandResult, 1),
	}
	select {
	case c.cmdQueue.ChanIn() <- req:
	case <-c.quit:
		return nil, ErrShutdown
	}

	select {
	case res := <-req.resp:
		return res.result, res.err
	case <-c.quit:
		// The reply may have raced the quit signal; prefer it.
		select {
		case res := <-req.resp:
			return res.result, res.err
		default:
			return nil, ErrShutdown
		}
	}
}

// commandLoop pops client commands, resolves the target, and invokes
// the session's dispatch table.  Orchestrator-level commands are
// handled inline.
func (c *Clients) commandLoop() error {
	for req := range c.cmdQueue.ChanOut() {
		result, err := c.executeCommand(req.cmd)
		req.resp <- &commandResult{result: result, err: err}
	}
	return nil
}

func (c *Clients) executeCommand(cmd *Command) (interface{}, error) {
	switch cmd.Method {
	case "registerBDV":
		s, err := c.RegisterBDV()
		if err != nil {
			return nil, err
		}
		return &RegisterBDVResult{
			ID:             s.ID(),
			TopBlockHeight: s.TopBlock().Height,
		}, nil

	case "unregisterBDV":
		if len(cmd.IDs) == 0 {
			return nil, btcjson.NewRPCError(
				btcjson.ErrRPCInvalidParams.Code,
				"missing session id")
		}
		return c.UnregisterBDV(cmd.IDs[0]), nil

	case "shutdown":
		// Run asynchronously so the caller still receives a reply
		// before the pipeline stops.
		go c.Shutdown()
		return true, nil

	default:
		if len(cmd.IDs) == 0 {
			return nil, btcjson.NewRPCError(
				btcjson.ErrRPCInvalidParams.Code,
				"missing session id")
		}
		s, ok := c.registry.get(cmd.IDs[0])
		if !ok {
			return nil, btcjson.NewRPCError(
				btcjson.ErrRPCInvalidParams.Code,
				fmt.Sprintf("unknown session %q", cmd.IDs[0]))
		}
		return s.ExecuteCommand(cmd.Method, cmd.IDs, cmd.Args)
	}
}

// engineLoop moves raw engine events onto the inbound event queue.
func (c *Clients) engineLoop() error {
	for {
		select {
		case n, ok := <-c.engine.Notifications():
			if !ok {
				return nil
			}
			switch nt := n.(type) {
			case chain.BlockConnected:
				c.enqueueEvent(&event{ntfn: &bdv.BlockNotification{
					Block: chain.BlockMeta(nt),
				}})

			case chain.BlockDisconnected:
				c.enqueueEvent(&event{ntfn: &bdv.ReorgNotification{
					Block: chain.BlockMeta(nt),
				}})

			case chain.ClientConnected:
				log.Debug("Engine backend connected")

			default:
				log.Warnf("Ignoring unknown engine "+
					"notification %T", n)
			}

		case <-c.quit:
			return nil
		}
	}
}

// dispatchLoop is the single-threaded outer stage: it resolves each
// event's targets and emits one packet per target.  Because it is the
// only producer and packets shard by session id, per-session order is
// fixed here once and preserved downstream.
func (c *Clients) dispatchLoop() error {
	for ev := range c.outerQueue.ChanOut() {
		targets := ev.targets
		if targets == nil {
			for id := range c.registry.snapshot() {
				targets = append(targets, id)
			}
		}

		for _, id := range targets {
			pkt := &notificationPacket{viewID: id, ntfn: ev.ntfn}
			select {
			case c.innerQueues[c.shard(id)].ChanIn() <- pkt:
			case <-c.quit:
				return nil
			}
		}
	}
	return nil
}

// shard maps a session id onto an inner queue.
func (c *Clients) shard(id string) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % uint32(len(c.innerQueues)))
}

// fanOutLoop delivers packets from one inner queue into the addressed
// session's notification buffer.  Packets for sessions that vanished
// between dispatch and delivery are dropped.
func (c *Clients) fanOutLoop(i int) error {
	for pkt := range c.innerQueues[i].ChanOut() {
		s, ok := c.registry.get(pkt.viewID)
		if !ok {
			continue
		}
		s.PushNotification(pkt.ntfn)
	}
	return nil
}

// gcLoop evicts sessions whose callbacks failed enough consecutive
// liveness probes.  It runs on a fixed interval, independent of event
// volume.
func (c *Clients) gcLoop() error {
	for {
		select {
		case <-c.gcTicker.Ticks():
			c.collectGarbage()

		case <-c.quit:
			return nil
		}
	}
}

func (c *Clients) collectGarbage() {
	for id, s := range c.registry.snapshot() {
		cb := s.Callback()
		if cb == nil || cb.IsValid() {
			continue
		}
		log.Infof("Garbage collecting dead session %s", id)
		c.UnregisterBDV(id)
	}
}

// unregisterAll evicts every remaining session.
func (c *Clients) unregisterAll() {
	for id := range c.registry.snapshot() {
		c.UnregisterBDV(id)
	}
}

// Shutdown stops the pipeline: the run flag falls, every blocking
// queue is released, the orchestrator goroutines are joined, remaining
// sessions are unregistered, and the external shutdown callback fires
// exactly once.  Safe to call from any goroutine, any number of times.
func (c *Clients) Shutdown() {
	c.shutdownOnce.Do(func() {
		log.Info("Client registry shutting down")

		c.run.Store(false)
		close(c.quit)

		c.cmdQueue.Stop()
		c.outerQueue.Stop()
		for _, q := range c.innerQueues {
			q.Stop()
		}
		c.gcTicker.Stop()

		// The loops only return nil.
		_ = c.eg.Wait()

		c.unregisterAll()

		if c.cfg.ShutdownCallback != nil {
			c.cfg.ShutdownCallback()
		}
		log.Info("Client registry shutdown complete")
	})
}
