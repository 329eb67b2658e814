package yak

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Broker composes the storage, lease, heartbeat and replication halves
// of one YAK process. HTTP handlers call into it; it never touches the
// network directly except through the peer client pool.
type Broker struct {
	cfg     Config
	info    BrokerInfo
	logger  *logrus.Entry
	storage *Storage
	coord   CoordStore
	pool    *ClientPool
	lease   *LeaseManager
	hb      *HeartbeatReporter
	worker  *ReplicationWorker

	// highest epoch ever observed, for fencing; never decreases
	highest atomic.Uint64

	replMu     sync.Mutex
	replCancel context.CancelFunc
	runCtx     context.Context
}

// NewBroker wires a broker from its config and an opened coordination
// store. Storage is recovered immediately; background loops start with
// Start.
func NewBroker(cfg Config, coord CoordStore, logger *logrus.Entry) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	info := cfg.Info()
	storage, err := NewStorage(filepath.Join(cfg.DataDir, "broker-"+cfg.BrokerID), logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	b := &Broker{
		cfg:     cfg,
		info:    info,
		logger:  logger,
		storage: storage,
		coord:   coord,
		pool:    NewClientPool(cfg.RequestTimeout),
	}
	b.lease = NewLeaseManager(coord, info, cfg.LeaseTTL, cfg.RenewInterval, logger)
	b.lease.onElected = b.onElected
	b.lease.onDemoted = b.onDemoted
	// counter-only: the lease loop already owns role transitions, so the
	// fencing side of observeEpoch must not re-enter it
	b.lease.observe = b.noteEpoch
	b.hb = NewHeartbeatReporter(coord, info, cfg.HeartbeatInterval, cfg.HeartbeatTTL,
		func() uint64 { return b.highest.Load() }, logger)
	b.worker = newReplicationWorker(storage, b.pool, b.lease, info, cfg.ReplicationPoll,
		b.highest.Load, b.observeEpoch, logger)

	// resume fencing from the last epoch present in the local logs
	for _, topic := range storage.Topics() {
		if e, err := storage.LastEpoch(topic); err == nil && e > b.highest.Load() {
			b.highest.Store(e)
		}
	}
	return b, nil
}

// Start runs the background loops until ctx is cancelled.
func (b *Broker) Start(ctx context.Context) error {
	b.runCtx = ctx
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.hb.Run(ctx) })
	g.Go(func() error { return b.lease.Run(ctx) })
	g.Go(func() error { return b.worker.Run(ctx) })
	err := g.Wait()
	b.onDemoted()
	if err == context.Canceled {
		return nil
	}
	return err
}

// Shutdown releases the lease so failover does not wait for expiry, then
// closes storage.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.lease.Release(ctx)
	return b.storage.Close()
}

func (b *Broker) onElected(epoch uint64) {
	b.replMu.Lock()
	defer b.replMu.Unlock()
	if b.replCancel != nil {
		b.replCancel()
	}
	parent := b.runCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	b.replCancel = cancel
	rc := newReplicationCoordinator(b.storage, b.coord, b.pool, b.info,
		epoch, b.cfg.ReplicationPoll, b.cfg.HeartbeatTTL, b.lease.StepDown, b.logger)
	go rc.Run(ctx)
	b.logger.WithField("Topic", DBroker).Infof("Broker %s is now LEADER at epoch %d", b.info.BrokerID, epoch)
}

func (b *Broker) onDemoted() {
	b.replMu.Lock()
	defer b.replMu.Unlock()
	if b.replCancel != nil {
		b.replCancel()
		b.replCancel = nil
		b.logger.WithField("Topic", DBroker).Warnf("Broker %s lost leadership", b.info.BrokerID)
	}
}

// noteEpoch raises the fencing epoch; it never moves backwards.
func (b *Broker) noteEpoch(epoch uint64) {
	for {
		cur := b.highest.Load()
		if epoch <= cur {
			return
		}
		if b.highest.CompareAndSwap(cur, epoch) {
			return
		}
	}
}

// observeEpoch records an epoch seen on the wire. A leader that sees a
// higher epoch has been fenced and steps down.
func (b *Broker) observeEpoch(epoch uint64) {
	b.noteEpoch(epoch)
	snap := b.lease.Snapshot()
	if snap.Role == RoleLeader && epoch > snap.Epoch {
		b.lease.StepDown()
	}
}

// HighestEpoch returns the fencing epoch.
func (b *Broker) HighestEpoch() uint64 {
	return b.highest.Load()
}

// Snapshot exposes the current role view.
func (b *Broker) Snapshot() RoleSnapshot {
	return b.lease.Snapshot()
}

// RegisterTopic creates an empty topic on the leader.
func (b *Broker) RegisterTopic(topic string) error {
	snap := b.lease.Snapshot()
	if snap.Role != RoleLeader {
		return ErrNotLeader
	}
	return b.storage.CreateTopic(topic)
}

// Produce appends one message under the current epoch and returns the
// assigned offset plus the committed boundary at the time of the append.
// The acknowledgement is asynchronous: the offset may still be above the
// returned hwm.
func (b *Broker) Produce(topic, message string) (uint64, uint64, error) {
	snap := b.lease.Snapshot()
	if snap.Role != RoleLeader {
		return 0, 0, ErrNotLeader
	}
	if !b.storage.Has(topic) {
		return 0, 0, ErrNoSuchTopic
	}
	offset, err := b.storage.Append(topic, message, snap.Epoch)
	if err != nil {
		return 0, 0, err
	}
	hwm, _ := b.storage.HWM(topic)
	b.logger.WithField("Topic", DBroker).Debugf("Appended %s offset=%d epoch=%d", topic, offset, snap.Epoch)
	return offset, hwm, nil
}

// Consume returns the committed records of topic starting at offset. Any
// broker serves this from its locally-known committed prefix.
func (b *Broker) Consume(topic string, offset uint64) (consumeResponse, error) {
	if !b.storage.Has(topic) {
		return consumeResponse{}, ErrNoSuchTopic
	}
	hwm, err := b.storage.HWM(topic)
	if err != nil {
		return consumeResponse{}, err
	}
	resp := consumeResponse{
		Messages:        []Record{},
		HWM:             hwm,
		RequestedOffset: offset,
	}
	if offset < hwm {
		records, err := b.storage.Read(topic, offset, int(hwm-offset))
		if err != nil {
			return consumeResponse{}, err
		}
		resp.Messages = records
	}
	resp.TotalAvailable = len(resp.Messages)
	return resp, nil
}

// ServePull answers a follower catch-up request. Only the leader serves
// pulls; a pull carrying a higher epoch fences us.
func (b *Broker) ServePull(topic string, from, epoch uint64) (pullResponse, error) {
	snap := b.lease.Snapshot()
	if epoch > snap.Epoch {
		b.observeEpoch(epoch)
		return pullResponse{}, ErrEpochStale
	}
	if snap.Role != RoleLeader {
		return pullResponse{}, ErrNotLeader
	}
	if !b.storage.Has(topic) {
		return pullResponse{}, ErrNoSuchTopic
	}
	next, err := b.storage.Length(topic)
	if err != nil {
		return pullResponse{}, err
	}
	if from > next {
		return pullResponse{}, ErrOffsetMismatch
	}
	records, err := b.storage.Read(topic, from, maxBatchRecords)
	if err != nil {
		return pullResponse{}, err
	}
	hwm, _ := b.storage.HWM(topic)
	return pullResponse{
		Records:    records,
		NextOffset: next,
		HWM:        hwm,
		Epoch:      snap.Epoch,
	}, nil
}

// Leader returns the currently known leader, or nil.
func (b *Broker) Leader() *LeaderInfo {
	return b.lease.Snapshot().Leader
}

// Brokers returns the live registry entries.
func (b *Broker) Brokers(ctx context.Context) ([]heartbeat, error) {
	return aliveBrokers(ctx, b.coord, b.cfg.HeartbeatTTL)
}

// Health summarizes role, epoch and per-topic log positions.
func (b *Broker) Health() healthResponse {
	snap := b.lease.Snapshot()
	resp := healthResponse{
		Role:   snap.Role,
		Epoch:  snap.Epoch,
		Topics: make(map[string]topicHealth),
	}
	for _, topic := range b.storage.Topics() {
		next, _ := b.storage.Length(topic)
		hwm, _ := b.storage.HWM(topic)
		resp.Topics[topic] = topicHealth{NextOffset: next, HWM: hwm}
	}
	return resp
}

// Topics lists registered topics.
func (b *Broker) Topics() []string {
	return b.storage.Topics()
}

// Storage exposes the log engine, mainly for tests and tooling.
func (b *Broker) Storage() *Storage {
	return b.storage
}

// Worker exposes the follower half for the HTTP push handler.
func (b *Broker) Worker() *ReplicationWorker {
	return b.worker
}
