package yak

import "errors"

var (
	// ErrNoSuchTopic is returned for operations on a topic that was never
	// registered on this broker.
	ErrNoSuchTopic = errors.New("no such topic")

	// ErrTopicExists is returned by topic registration when the topic is
	// already present.
	ErrTopicExists = errors.New("topic already exists")

	// ErrNotLeader is returned for write operations on a broker that does
	// not currently hold the lease.
	ErrNotLeader = errors.New("not the leader")

	// ErrNoLeader is returned when no broker is known to hold the lease.
	ErrNoLeader = errors.New("no leader known")

	// ErrEpochStale is returned when a request carries an epoch older than
	// the receiver's highest observed epoch.
	ErrEpochStale = errors.New("epoch stale")

	// ErrOffsetMismatch is returned when a replication batch does not line
	// up with the receiver's log end.
	ErrOffsetMismatch = errors.New("offset mismatch")

	// ErrOutOfRange is returned for reads starting beyond the log end.
	ErrOutOfRange = errors.New("offset out of range")

	// ErrTruncateBelowHWM is returned when a truncation would discard
	// committed records.
	ErrTruncateBelowHWM = errors.New("truncation below high-water mark")

	// ErrKeyNotFound is returned by the coordination store for absent keys.
	ErrKeyNotFound = errors.New("key not found")
)
