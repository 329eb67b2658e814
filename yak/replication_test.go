package yak

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T, quorum int) (*ReplicationCoordinator, *Storage) {
	t.Helper()
	storage := newTestStorage(t, t.TempDir())
	rc := newReplicationCoordinator(storage, NewMemoryCoord(), NewClientPool(time.Second),
		BrokerInfo{BrokerID: "1", Host: "127.0.0.1", Port: 9001},
		1, 20*time.Millisecond, 200*time.Millisecond, func() {}, testLogger())
	rc.quorum = quorum
	return rc, storage
}

func addFollower(rc *ReplicationCoordinator, id string, match map[string]uint64) {
	rc.followers[id] = &followerState{
		info:  BrokerInfo{BrokerID: id},
		match: match,
	}
}

func TestAdvanceHWMQuorum(t *testing.T) {
	rc, storage := newTestCoordinator(t, 2)
	require.NoError(t, storage.CreateTopic("t"))
	for i := 0; i < 5; i++ {
		_, err := storage.Append("t", "m", 1)
		require.NoError(t, err)
	}

	// leader at 5, followers at 3 and 1: a quorum of 2 stores offset 3
	addFollower(rc, "2", map[string]uint64{"t": 3})
	addFollower(rc, "3", map[string]uint64{"t": 1})
	rc.advanceHWM()
	hwm, err := storage.HWM("t")
	require.NoError(t, err)
	assert.EqualValues(t, 3, hwm)

	// acks can only move the mark forward
	rc.followers["2"].setMatch("t", 2)
	rc.advanceHWM()
	hwm, _ = storage.HWM("t")
	assert.EqualValues(t, 3, hwm)

	rc.followers["3"].setMatch("t", 5)
	rc.advanceHWM()
	hwm, _ = storage.HWM("t")
	assert.EqualValues(t, 5, hwm)
}

func TestAdvanceHWMSingleNodeQuorum(t *testing.T) {
	rc, storage := newTestCoordinator(t, 1)
	require.NoError(t, storage.CreateTopic("t"))
	for i := 0; i < 3; i++ {
		_, err := storage.Append("t", "m", 1)
		require.NoError(t, err)
	}
	rc.advanceHWM()
	hwm, err := storage.HWM("t")
	require.NoError(t, err)
	assert.EqualValues(t, 3, hwm)
}

func TestAdvanceHWMNeedsQuorum(t *testing.T) {
	rc, storage := newTestCoordinator(t, 2)
	require.NoError(t, storage.CreateTopic("t"))
	_, err := storage.Append("t", "m", 1)
	require.NoError(t, err)

	// only the leader has the record: the quorum rule keeps it uncommitted
	rc.advanceHWM()
	hwm, _ := storage.HWM("t")
	assert.EqualValues(t, 0, hwm)
}

func TestInitQuorumFromRegistry(t *testing.T) {
	ctx := context.Background()
	coord := NewMemoryCoord()
	for _, id := range []string{"2", "3"} {
		hb := heartbeat{BrokerID: id, Host: "127.0.0.1", Port: 9000, SeenAt: time.Now().UnixMilli()}
		raw, err := json.Marshal(hb)
		require.NoError(t, err)
		require.NoError(t, coord.SetTTL(ctx, keyBrokerPrefix+id, raw, time.Minute))
	}
	// a stale entry must not count toward the quorum
	stale := heartbeat{BrokerID: "4", Host: "127.0.0.1", Port: 9000, SeenAt: time.Now().Add(-time.Minute).UnixMilli()}
	raw, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, coord.SetTTL(ctx, keyBrokerPrefix+"4", raw, time.Minute))

	storage := newTestStorage(t, t.TempDir())
	rc := newReplicationCoordinator(storage, coord, NewClientPool(time.Second),
		BrokerInfo{BrokerID: "1", Host: "127.0.0.1", Port: 9001},
		1, 20*time.Millisecond, time.Second, func() {}, testLogger())
	rc.initQuorum(ctx)
	// members: self + brokers 2 and 3 -> majority of 3 is 2
	assert.Equal(t, 2, rc.quorum)
}
