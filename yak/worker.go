package yak

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// ReplicationWorker is the follower half of the protocol. It applies
// batches pushed by the leader and runs an active pull loop so a broker
// that restarts, falls behind, or joins a new epoch converges even
// before the leader knows it exists.
type ReplicationWorker struct {
	storage *Storage
	pool    *ClientPool
	lease   *LeaseManager
	self    BrokerInfo
	poll    time.Duration
	logger  *logrus.Entry

	highestFn func() uint64
	observe   func(epoch uint64)
}

func newReplicationWorker(storage *Storage, pool *ClientPool, lease *LeaseManager, self BrokerInfo,
	poll time.Duration, highestFn func() uint64, observe func(uint64), logger *logrus.Entry) *ReplicationWorker {
	return &ReplicationWorker{
		storage:   storage,
		pool:      pool,
		lease:     lease,
		self:      self,
		poll:      poll,
		logger:    logger,
		highestFn: highestFn,
		observe:   observe,
	}
}

// HandlePush applies a leader batch per the divergence-resolution rules.
// The returned mismatch hint is non-nil exactly when err is
// ErrOffsetMismatch.
func (w *ReplicationWorker) HandlePush(req pushRequest) (pushResponse, *mismatchResponse, error) {
	highest := w.highestFn()
	if req.Epoch < highest {
		return pushResponse{}, nil, ErrEpochStale
	}
	if req.Epoch > highest {
		w.observe(req.Epoch)
	}
	if err := w.storage.EnsureTopic(req.Topic); err != nil {
		return pushResponse{}, nil, err
	}

	next, err := w.storage.Length(req.Topic)
	if err != nil {
		return pushResponse{}, nil, err
	}
	lastEpoch, _ := w.storage.LastEpoch(req.Topic)

	aligned := req.BaseOffset == next &&
		(len(req.Records) == 0 || req.Records[0].Epoch >= lastEpoch)
	if !aligned {
		return pushResponse{}, w.resolveDivergence(req.Topic), ErrOffsetMismatch
	}

	for _, rec := range req.Records {
		if err := w.storage.AppendRecord(req.Topic, rec); err != nil {
			if err == ErrOffsetMismatch {
				return pushResponse{}, w.resolveDivergence(req.Topic), err
			}
			return pushResponse{}, nil, err
		}
	}
	end, err := w.storage.Length(req.Topic)
	if err != nil {
		return pushResponse{}, nil, err
	}
	hwm := w.adoptHWM(req.Topic, req.HWM, end)
	return pushResponse{AckEndOffset: end, HWM: hwm}, nil, nil
}

// resolveDivergence truncates the uncommitted suffix — everything at or
// above the local high-water mark — and reports the resulting log end so
// the leader can resend from there. The committed prefix is identical on
// both sides by induction, so resending from the mark is safe.
func (w *ReplicationWorker) resolveDivergence(topic string) *mismatchResponse {
	hwm, _ := w.storage.HWM(topic)
	if err := w.storage.TruncateTo(topic, hwm); err != nil {
		w.logger.WithField("Topic", DWorker).Errorf("Truncate %s to %d failed: %v", topic, hwm, err)
	} else {
		w.logger.WithField("Topic", DWorker).Infof("Truncated %s to committed prefix %d", topic, hwm)
	}
	end, _ := w.storage.Length(topic)
	lastEpoch, _ := w.storage.LastEpoch(topic)
	return &mismatchResponse{
		Error:            "offset mismatch",
		FollowerEnd:      end,
		FollowerEndEpoch: lastEpoch,
	}
}

// adoptHWM raises the local mark toward the leader's, never beyond the
// local log end and never backwards.
func (w *ReplicationWorker) adoptHWM(topic string, leaderHWM, end uint64) uint64 {
	target := leaderHWM
	if target > end {
		target = end
	}
	cur, err := w.storage.HWM(topic)
	if err != nil {
		return 0
	}
	if target > cur {
		if err := w.storage.SetHWM(topic, target); err != nil {
			w.logger.WithField("Topic", DWorker).Errorf("HWM adopt failed for %s: %v", topic, err)
			return cur
		}
		return target
	}
	return cur
}

// Run polls the leader while this broker is not leading. Each round pulls
// every topic the leader or we know about until both next_offset and the
// high-water mark line up.
func (w *ReplicationWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.catchUp(ctx)
		}
	}
}

func (w *ReplicationWorker) catchUp(ctx context.Context) {
	snap := w.lease.Snapshot()
	if snap.Role == RoleLeader || snap.Leader == nil || snap.Leader.BrokerID == w.self.BrokerID {
		return
	}
	client := w.pool.GetClient(snap.Leader.Addr())

	topics := make(map[string]struct{})
	for _, t := range w.storage.Topics() {
		topics[t] = struct{}{}
	}
	leaderTopics, err := client.Topics(ctx)
	if err != nil {
		w.logger.WithField("Topic", DWorker).Debugf("Cannot list leader topics: %v", err)
	}
	for _, t := range leaderTopics {
		topics[t] = struct{}{}
	}

	for topic := range topics {
		if ctx.Err() != nil {
			return
		}
		w.pullTopic(ctx, client, topic)
	}
}

func (w *ReplicationWorker) pullTopic(ctx context.Context, client *peerClient, topic string) {
	if err := w.storage.EnsureTopic(topic); err != nil {
		w.logger.WithField("Topic", DWorker).Errorf("Cannot create topic %s: %v", topic, err)
		return
	}
	next, err := w.storage.Length(topic)
	if err != nil {
		return
	}
	resp, err := client.Pull(ctx, topic, next, w.highestFn())
	switch err {
	case nil:
	case ErrOffsetMismatch:
		// our log runs past the leader's: drop the uncommitted suffix
		hwm, _ := w.storage.HWM(topic)
		if terr := w.storage.TruncateTo(topic, hwm); terr != nil {
			w.logger.WithField("Topic", DWorker).Errorf("Truncate %s to %d failed: %v", topic, hwm, terr)
		} else {
			w.logger.WithField("Topic", DWorker).Infof("Leader log is shorter, truncated %s to %d", topic, hwm)
		}
		return
	case ErrNoSuchTopic:
		return
	default:
		w.logger.WithField("Topic", DWorker).Debugf("Pull %s failed: %v", topic, err)
		return
	}

	if resp.Epoch > w.highestFn() {
		w.observe(resp.Epoch)
	}
	applied := 0
	for _, rec := range resp.Records {
		if err := w.storage.AppendRecord(topic, rec); err != nil {
			w.logger.WithField("Topic", DWorker).Warnf("Apply %s offset %d failed: %v", topic, rec.Offset, err)
			break
		}
		applied++
	}
	end, err := w.storage.Length(topic)
	if err != nil {
		return
	}
	w.adoptHWM(topic, resp.HWM, end)
	if applied > 0 {
		w.logger.WithField("Topic", DWorker).Infof("Caught up %d records on %s, next_offset=%d", applied, topic, end)
	}
}
