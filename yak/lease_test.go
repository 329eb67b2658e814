package yak

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLeaseManager(coord CoordStore, id string, ttl time.Duration) *LeaseManager {
	info := BrokerInfo{BrokerID: id, Host: "127.0.0.1", Port: 9000}
	return NewLeaseManager(coord, info, ttl, ttl/4, testLogger())
}

func TestLeaseAcquisition(t *testing.T) {
	ctx := context.Background()
	coord := NewMemoryCoord()
	lm := testLeaseManager(coord, "b1", time.Second)

	lm.tick(ctx)
	snap := lm.Snapshot()
	assert.Equal(t, RoleLeader, snap.Role)
	assert.EqualValues(t, 1, snap.Epoch)
	require.NotNil(t, snap.Leader)
	assert.Equal(t, "b1", snap.Leader.BrokerID)

	// renewal keeps the role and the epoch
	lm.tick(ctx)
	snap = lm.Snapshot()
	assert.Equal(t, RoleLeader, snap.Role)
	assert.EqualValues(t, 1, snap.Epoch)
}

func TestLeaseMutualExclusion(t *testing.T) {
	ctx := context.Background()
	coord := NewMemoryCoord()
	lm1 := testLeaseManager(coord, "b1", time.Second)
	lm2 := testLeaseManager(coord, "b2", time.Second)

	lm1.tick(ctx)
	lm2.tick(ctx)

	assert.Equal(t, RoleLeader, lm1.Snapshot().Role)
	snap2 := lm2.Snapshot()
	assert.Equal(t, RoleFollower, snap2.Role)
	assert.EqualValues(t, 1, snap2.Epoch)
	require.NotNil(t, snap2.Leader)
	assert.Equal(t, "b1", snap2.Leader.BrokerID)
}

func TestLeaseFailoverAfterExpiry(t *testing.T) {
	ctx := context.Background()
	coord := NewMemoryCoord()
	lm1 := testLeaseManager(coord, "b1", 50*time.Millisecond)
	lm2 := testLeaseManager(coord, "b2", time.Second)

	lm1.tick(ctx)
	require.Equal(t, RoleLeader, lm1.Snapshot().Role)

	// b1 stops renewing; after expiry b2 takes over with the next epoch
	time.Sleep(80 * time.Millisecond)
	lm2.tick(ctx)
	snap2 := lm2.Snapshot()
	assert.Equal(t, RoleLeader, snap2.Role)
	assert.EqualValues(t, 2, snap2.Epoch)

	// b1's renewal CAS now fails and it steps down
	lm1.tick(ctx)
	assert.Equal(t, RoleUnknown, lm1.Snapshot().Role)
}

func TestLeaseReleaseSpeedsFailover(t *testing.T) {
	ctx := context.Background()
	coord := NewMemoryCoord()
	lm1 := testLeaseManager(coord, "b1", time.Hour)
	lm2 := testLeaseManager(coord, "b2", time.Second)

	lm1.tick(ctx)
	require.Equal(t, RoleLeader, lm1.Snapshot().Role)

	lm1.Release(ctx)
	assert.Equal(t, RoleUnknown, lm1.Snapshot().Role)

	// the epoch counter survives the lease delete
	lm2.tick(ctx)
	snap2 := lm2.Snapshot()
	assert.Equal(t, RoleLeader, snap2.Role)
	assert.EqualValues(t, 2, snap2.Epoch)
}

func TestLeaseElectionCallbacks(t *testing.T) {
	ctx := context.Background()
	coord := NewMemoryCoord()
	lm := testLeaseManager(coord, "b1", 50*time.Millisecond)

	var elected, demoted int
	lm.onElected = func(epoch uint64) { elected++ }
	lm.onDemoted = func() { demoted++ }

	lm.tick(ctx)
	assert.Equal(t, 1, elected)

	// another broker steals the lease after expiry; our renewal fails
	time.Sleep(80 * time.Millisecond)
	other := testLeaseManager(coord, "b2", time.Second)
	other.tick(ctx)
	lm.tick(ctx)
	assert.Equal(t, 1, demoted)
	assert.Equal(t, RoleUnknown, lm.Snapshot().Role)
}

func TestLeaseStepDownOnlyAffectsLeader(t *testing.T) {
	coord := NewMemoryCoord()
	lm := testLeaseManager(coord, "b1", time.Second)
	lm.StepDown()
	assert.Equal(t, RoleUnknown, lm.Snapshot().Role)

	lm.tick(context.Background())
	require.Equal(t, RoleLeader, lm.Snapshot().Role)
	lm.StepDown()
	assert.Equal(t, RoleUnknown, lm.Snapshot().Role)
}
