package yak

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// maxBatchRecords caps one replication push or pull response. A slow
// follower re-reads the tail next iteration instead of queueing.
const maxBatchRecords = 500

// ReplicationCoordinator is the leader half of the protocol. One push
// task per follower walks every topic, sending the range between the
// follower's acked match offset and the log end; the coordinator then
// advances each topic's high-water mark to the largest offset a quorum
// stores.
//
// The acknowledgement quorum is a majority of the brokers alive at the
// start of the epoch, leader included. Followers that appear later are
// replicated to but do not change the quorum size for this epoch.
type ReplicationCoordinator struct {
	storage  *Storage
	coord    CoordStore
	pool     *ClientPool
	self     BrokerInfo
	epoch    uint64
	poll     time.Duration
	hbTTL    time.Duration
	logger   *logrus.Entry
	stepDown func()

	quorum int

	mu        sync.Mutex
	followers map[string]*followerState
	cancels   map[string]context.CancelFunc
}

// followerState is owned by the follower's push task; the mutex only
// guards match reads from the HWM pass.
type followerState struct {
	info BrokerInfo

	mu    sync.Mutex
	match map[string]uint64 // topic -> highest acked end offset this epoch
}

func (fs *followerState) matchOffset(topic string) uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.match[topic]
}

func (fs *followerState) setMatch(topic string, v uint64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.match[topic] = v
}

func newReplicationCoordinator(storage *Storage, coord CoordStore, pool *ClientPool, self BrokerInfo,
	epoch uint64, poll, hbTTL time.Duration, stepDown func(), logger *logrus.Entry) *ReplicationCoordinator {
	return &ReplicationCoordinator{
		storage:   storage,
		coord:     coord,
		pool:      pool,
		self:      self,
		epoch:     epoch,
		poll:      poll,
		hbTTL:     hbTTL,
		logger:    logger,
		stepDown:  stepDown,
		followers: make(map[string]*followerState),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Run drives replication until ctx is cancelled (demotion or shutdown).
func (rc *ReplicationCoordinator) Run(ctx context.Context) {
	rc.initQuorum(ctx)
	rc.logger.WithField("Topic", DRepl).Infof("Replication coordinator up: epoch=%d quorum=%d", rc.epoch, rc.quorum)

	ticker := time.NewTicker(rc.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			rc.stopAll()
			return
		case <-ticker.C:
			rc.syncFollowerSet(ctx)
			rc.advanceHWM()
		}
	}
}

// initQuorum fixes the quorum size from the heartbeat-alive set at the
// start of the epoch.
func (rc *ReplicationCoordinator) initQuorum(ctx context.Context) {
	alive, err := aliveBrokers(ctx, rc.coord, rc.hbTTL)
	if err != nil {
		rc.logger.WithField("Topic", DRepl).Warnf("Cannot read broker registry, assuming single-node quorum: %v", err)
		rc.quorum = 1
		return
	}
	members := map[string]struct{}{rc.self.BrokerID: {}}
	for _, hb := range alive {
		members[hb.BrokerID] = struct{}{}
	}
	rc.quorum = len(members)/2 + 1
}

// syncFollowerSet starts a push task for every alive broker we are not
// yet replicating to.
func (rc *ReplicationCoordinator) syncFollowerSet(ctx context.Context) {
	alive, err := aliveBrokers(ctx, rc.coord, rc.hbTTL)
	if err != nil {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, hb := range alive {
		if hb.BrokerID == rc.self.BrokerID {
			continue
		}
		if _, ok := rc.followers[hb.BrokerID]; ok {
			continue
		}
		fs := &followerState{info: hb.info(), match: make(map[string]uint64)}
		rc.followers[hb.BrokerID] = fs
		taskCtx, cancel := context.WithCancel(ctx)
		rc.cancels[hb.BrokerID] = cancel
		rc.logger.WithField("Topic", DRepl).Infof("Starting push task for follower %s (%s)", hb.BrokerID, fs.info.Addr())
		go rc.pushLoop(taskCtx, fs)
	}
}

func (rc *ReplicationCoordinator) stopAll() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for id, cancel := range rc.cancels {
		cancel()
		delete(rc.cancels, id)
	}
}

// pushLoop is the per-follower task. One outstanding batch at a time;
// transient errors back off until the next tick.
func (rc *ReplicationCoordinator) pushLoop(ctx context.Context, fs *followerState) {
	client := rc.pool.GetClient(fs.info.Addr())
	ticker := time.NewTicker(rc.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, topic := range rc.storage.Topics() {
				if ctx.Err() != nil {
					return
				}
				rc.pushTopic(ctx, client, fs, topic)
			}
		}
	}
}

func (rc *ReplicationCoordinator) pushTopic(ctx context.Context, client *peerClient, fs *followerState, topic string) {
	next, err := rc.storage.Length(topic)
	if err != nil {
		return
	}
	match := fs.matchOffset(topic)
	if match >= next {
		return
	}
	records, err := rc.storage.Read(topic, match, maxBatchRecords)
	if err != nil || len(records) == 0 {
		return
	}
	hwm, _ := rc.storage.HWM(topic)

	resp, mism, err := client.Push(ctx, pushRequest{
		Epoch:      rc.epoch,
		Topic:      topic,
		BaseOffset: match,
		Records:    records,
		HWM:        hwm,
	})
	switch err {
	case nil:
		if resp.AckEndOffset >= match+uint64(len(records)) {
			fs.setMatch(topic, resp.AckEndOffset)
			rc.logger.WithField("Topic", DRepl).Debugf("Follower %s acked %s up to %d", fs.info.BrokerID, topic, resp.AckEndOffset)
		}
	case ErrEpochStale:
		// a higher epoch exists somewhere; we must not act as leader
		rc.logger.WithField("Topic", DRepl).Warnf("Follower %s fenced our epoch %d", fs.info.BrokerID, rc.epoch)
		rc.stepDown()
	case ErrOffsetMismatch:
		if mism != nil {
			rc.logger.WithField("Topic", DRepl).Infof("Follower %s diverged on %s, resending from %d", fs.info.BrokerID, topic, mism.FollowerEnd)
			fs.setMatch(topic, mism.FollowerEnd)
		}
	default:
		rc.logger.WithField("Topic", DRepl).Debugf("Push to %s failed: %v", fs.info.BrokerID, err)
	}
}

// advanceHWM recomputes the committed boundary of every topic: the
// largest offset stored by a quorum, leader included, capped by the log
// end. The mark never moves backwards.
func (rc *ReplicationCoordinator) advanceHWM() {
	rc.mu.Lock()
	followers := make([]*followerState, 0, len(rc.followers))
	for _, fs := range rc.followers {
		followers = append(followers, fs)
	}
	rc.mu.Unlock()

	for _, topic := range rc.storage.Topics() {
		next, err := rc.storage.Length(topic)
		if err != nil {
			continue
		}
		acked := []uint64{next} // the leader's own copy
		for _, fs := range followers {
			acked = append(acked, fs.matchOffset(topic))
		}
		if len(acked) < rc.quorum {
			continue
		}
		sort.Slice(acked, func(i, j int) bool { return acked[i] > acked[j] })
		committed := acked[rc.quorum-1]
		if committed > next {
			committed = next
		}
		cur, err := rc.storage.HWM(topic)
		if err != nil || committed <= cur {
			continue
		}
		if err := rc.storage.SetHWM(topic, committed); err != nil {
			rc.logger.WithField("Topic", DRepl).Errorf("HWM advance failed for %s: %v", topic, err)
			continue
		}
		rc.logger.WithField("Topic", DRepl).Debugf("HWM(%s) -> %d", topic, committed)
	}
}
