package yak

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// LeaseManager drives the broker's role. It attempts to acquire the
// cluster lease, renews it while held, and publishes a coherent
// (role, epoch, leader) snapshot for everyone else in the process.
//
// Safety comes from compare-and-set on the lease key plus epoch fencing;
// the wall-clock expiry is only a liveness hint. Epochs never repeat:
// the acquisition CAS carries prior_epoch+1 and the yak:epoch counter
// survives lease deletion.
type LeaseManager struct {
	coord  CoordStore
	self   BrokerInfo
	ttl    time.Duration
	renew  time.Duration
	logger *logrus.Entry

	snapshot atomic.Pointer[RoleSnapshot]

	// mu serializes state transitions: the Run loop ticks under it, and
	// StepDown/Release may arrive from request handlers.
	mu sync.Mutex

	// leaseRaw holds the exact stored bytes of the lease we own; renewal
	// and release CAS against it. Guarded by mu.
	leaseRaw []byte

	// onElected / onDemoted are invoked on role edges: onElected from the
	// Run loop, onDemoted from the Run loop and from StepDown/Release.
	onElected func(epoch uint64)
	onDemoted func()
	// observe reports every epoch seen in the store, for fencing.
	observe func(epoch uint64)
}

func NewLeaseManager(coord CoordStore, self BrokerInfo, ttl, renew time.Duration, logger *logrus.Entry) *LeaseManager {
	lm := &LeaseManager{
		coord:  coord,
		self:   self,
		ttl:    ttl,
		renew:  renew,
		logger: logger,
	}
	lm.snapshot.Store(&RoleSnapshot{Role: RoleUnknown})
	return lm
}

// Snapshot returns the current coherent role view.
func (lm *LeaseManager) Snapshot() RoleSnapshot {
	return *lm.snapshot.Load()
}

func (lm *LeaseManager) IsLeader() bool {
	return lm.snapshot.Load().Role == RoleLeader
}

// Run ticks the state machine until ctx is done. The first attempt
// happens immediately so a fresh cluster elects without waiting a full
// renewal interval.
func (lm *LeaseManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(lm.renew)
	defer ticker.Stop()
	lm.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			lm.tick(ctx)
		}
	}
}

func (lm *LeaseManager) tick(ctx context.Context) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.snapshot.Load().Role == RoleLeader {
		lm.renewLease(ctx)
	} else {
		lm.tryAcquire(ctx)
	}
}

func (lm *LeaseManager) tryAcquire(ctx context.Context) {
	raw, err := lm.coord.Get(ctx, keyLease)
	if err != nil && err != ErrKeyNotFound {
		lm.logger.WithField("Topic", DLease).Warnf("Coordination store unreachable: %v", err)
		lm.toUnknown()
		return
	}

	var cur lease
	priorEpoch := uint64(0)
	if raw != nil {
		if err := json.Unmarshal(raw, &cur); err != nil {
			lm.logger.WithField("Topic", DLease).Errorf("Undecodable lease record: %v", err)
			return
		}
		priorEpoch = cur.Epoch
		if time.Now().UnixMilli() < cur.ExpiresAt {
			lm.seeLeader(cur)
			return
		}
	}
	if counterEpoch := lm.readEpochCounter(ctx); counterEpoch > priorEpoch {
		priorEpoch = counterEpoch
	}

	next := lease{
		Holder:    lm.self.BrokerID,
		Host:      lm.self.Host,
		Port:      lm.self.Port,
		Epoch:     priorEpoch + 1,
		ExpiresAt: time.Now().Add(lm.ttl).UnixMilli(),
	}
	nextRaw := next.marshal()
	ok, err := lm.coord.CompareAndSet(ctx, keyLease, raw, nextRaw, 0)
	if err != nil {
		lm.logger.WithField("Topic", DLease).Warnf("Lease acquisition failed: %v", err)
		lm.toUnknown()
		return
	}
	if !ok {
		// lost the race; learn who won on the next tick
		return
	}

	lm.leaseRaw = nextRaw
	lm.snapshot.Store(&RoleSnapshot{Role: RoleLeader, Epoch: next.Epoch, Leader: next.leaderInfo()})
	if lm.observe != nil {
		lm.observe(next.Epoch)
	}
	// best-effort: the counter only backs epoch recovery after a lease delete
	if err := lm.coord.SetTTL(ctx, keyEpoch, []byte(strconv.FormatUint(next.Epoch, 10)), 0); err != nil {
		lm.logger.WithField("Topic", DLease).Warnf("Failed to persist epoch counter: %v", err)
	}
	lm.logger.WithField("Topic", DLease).Infof("Broker %s acquired leadership, epoch=%d", lm.self.BrokerID, next.Epoch)
	if lm.onElected != nil {
		lm.onElected(next.Epoch)
	}
}

func (lm *LeaseManager) renewLease(ctx context.Context) {
	snap := lm.snapshot.Load()
	extended := lease{
		Holder:    lm.self.BrokerID,
		Host:      lm.self.Host,
		Port:      lm.self.Port,
		Epoch:     snap.Epoch,
		ExpiresAt: time.Now().Add(lm.ttl).UnixMilli(),
	}
	extendedRaw := extended.marshal()
	ok, err := lm.coord.CompareAndSet(ctx, keyLease, lm.leaseRaw, extendedRaw, 0)
	if err != nil || !ok {
		// stop accepting writes immediately; another broker may already
		// be leading a higher epoch
		lm.logger.WithField("Topic", DLease).Warnf("Lease renewal failed (epoch=%d, err=%v); stepping down", snap.Epoch, err)
		lm.stepDown()
		return
	}
	lm.leaseRaw = extendedRaw
	lm.logger.WithField("Topic", DLease).Debugf("Lease renewed by %s, epoch=%d", lm.self.BrokerID, snap.Epoch)
}

// StepDown demotes the broker without touching the store. The replication
// layer calls it when a peer fences one of our requests.
func (lm *LeaseManager) StepDown() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.snapshot.Load().Role == RoleLeader {
		lm.logger.WithField("Topic", DLease).Warnf("Fenced by a higher epoch; stepping down")
		lm.stepDown()
	}
}

func (lm *LeaseManager) stepDown() {
	snap := lm.snapshot.Load()
	lm.leaseRaw = nil
	lm.snapshot.Store(&RoleSnapshot{Role: RoleUnknown, Epoch: snap.Epoch})
	if lm.onDemoted != nil {
		lm.onDemoted()
	}
}

// Release deletes the lease on clean shutdown so the next election does
// not wait for expiry. Only succeeds while we still hold it.
func (lm *LeaseManager) Release(ctx context.Context) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.snapshot.Load().Role != RoleLeader {
		return
	}
	if ok, err := lm.coord.CompareAndDelete(ctx, keyLease, lm.leaseRaw); err != nil || !ok {
		lm.logger.WithField("Topic", DLease).Warnf("Lease release skipped (ok=%v err=%v)", ok, err)
	} else {
		lm.logger.WithField("Topic", DLease).Infof("Lease released by %s", lm.self.BrokerID)
	}
	lm.stepDown()
}

func (lm *LeaseManager) seeLeader(cur lease) {
	prev := lm.snapshot.Load()
	if lm.observe != nil {
		lm.observe(cur.Epoch)
	}
	if prev.Role != RoleFollower || prev.Epoch != cur.Epoch || prev.Leader == nil || prev.Leader.BrokerID != cur.Holder {
		lm.logger.WithField("Topic", DLease).Infof("Following broker %s at epoch %d", cur.Holder, cur.Epoch)
	}
	lm.snapshot.Store(&RoleSnapshot{Role: RoleFollower, Epoch: cur.Epoch, Leader: cur.leaderInfo()})
	if prev.Role == RoleLeader && lm.onDemoted != nil {
		lm.leaseRaw = nil
		lm.onDemoted()
	}
}

func (lm *LeaseManager) toUnknown() {
	prev := lm.snapshot.Load()
	lm.snapshot.Store(&RoleSnapshot{Role: RoleUnknown, Epoch: prev.Epoch})
	if prev.Role == RoleLeader {
		lm.leaseRaw = nil
		if lm.onDemoted != nil {
			lm.onDemoted()
		}
	}
}

func (lm *LeaseManager) readEpochCounter(ctx context.Context) uint64 {
	raw, err := lm.coord.Get(ctx, keyEpoch)
	if err != nil {
		return 0
	}
	v, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
