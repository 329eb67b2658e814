package yak

import (
	"encoding/json"
	"fmt"
)

// Debug topics attached to every log line so cluster-wide output can be
// grepped per concern.
const (
	DBroker    = "BRKR"
	DLease     = "LEAS"
	DStore     = "STOR"
	DRepl      = "REPL"
	DWorker    = "CTCH"
	DHeartbeat = "HRTB"
	DHTTP      = "HTTP"
)

// Role is a broker's view of its own position in the cluster.
type Role string

const (
	RoleUnknown  Role = "UNKNOWN"
	RoleLeader   Role = "LEADER"
	RoleFollower Role = "FOLLOWER"
)

// Record is one entry of a topic log. Offsets are dense and 0-based per
// topic; Epoch is the leadership term under which the record was first
// appended. Records below the high-water mark never change.
type Record struct {
	Offset  uint64 `json:"offset"`
	Topic   string `json:"topic"`
	Message string `json:"message"`
	Epoch   uint64 `json:"epoch"`
}

// BrokerInfo identifies a broker process and where to reach it.
type BrokerInfo struct {
	BrokerID string `json:"broker_id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

func (bi BrokerInfo) Addr() string {
	return fmt.Sprintf("%s:%d", bi.Host, bi.Port)
}

// LeaderInfo is BrokerInfo plus the epoch under which the broker leads.
type LeaderInfo struct {
	BrokerID string `json:"broker_id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Epoch    uint64 `json:"epoch"`
}

func (li LeaderInfo) Addr() string {
	return fmt.Sprintf("%s:%d", li.Host, li.Port)
}

// RoleSnapshot is the coherent (role, epoch, leader) triple published by
// the LeaseManager. Readers copy the whole snapshot; fields are never
// updated independently of each other.
type RoleSnapshot struct {
	Role   Role
	Epoch  uint64
	Leader *LeaderInfo // nil while no leader is known
}

// lease is the value stored under the cluster lease key.
type lease struct {
	Holder    string `json:"holder"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Epoch     uint64 `json:"epoch"`
	ExpiresAt int64  `json:"expires_at_ms"`
}

func (l lease) leaderInfo() *LeaderInfo {
	return &LeaderInfo{BrokerID: l.Holder, Host: l.Host, Port: l.Port, Epoch: l.Epoch}
}

func (l lease) marshal() []byte {
	b, _ := json.Marshal(l)
	return b
}

// heartbeat is the value stored under yak:brokers:<id>.
type heartbeat struct {
	BrokerID string `json:"broker_id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Epoch    uint64 `json:"epoch"`
	SeenAt   int64  `json:"last_heartbeat_at_ms"`
}

func (h heartbeat) info() BrokerInfo {
	return BrokerInfo{BrokerID: h.BrokerID, Host: h.Host, Port: h.Port}
}

// Wire bodies for the HTTP surface.

type registerTopicRequest struct {
	Topic string `json:"topic"`
}

type registerTopicResponse struct {
	Topic   string `json:"topic"`
	Created bool   `json:"created"`
}

type produceRequest struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

type produceResponse struct {
	Offset uint64 `json:"offset"`
	HWM    uint64 `json:"hwm"`
}

type consumeResponse struct {
	Messages        []Record `json:"messages"`
	HWM             uint64   `json:"hwm"`
	TotalAvailable  int      `json:"total_available"`
	RequestedOffset uint64   `json:"requested_offset"`
}

type pushRequest struct {
	Epoch      uint64   `json:"epoch"`
	Topic      string   `json:"topic"`
	BaseOffset uint64   `json:"base_offset"`
	Records    []Record `json:"records"`
	HWM        uint64   `json:"hwm"`
}

type pushResponse struct {
	AckEndOffset uint64 `json:"ack_end_offset"`
	HWM          uint64 `json:"hwm"`
}

// mismatchResponse is the 416 body of a push that does not line up with
// the follower's log. A pull starting past the leader's log end gets a
// 416 with a plain errorResponse body instead.
type mismatchResponse struct {
	Error            string `json:"error"`
	FollowerEnd      uint64 `json:"follower_end"`
	FollowerEndEpoch uint64 `json:"follower_end_epoch"`
}

type pullResponse struct {
	Records    []Record `json:"records"`
	NextOffset uint64   `json:"next_offset"`
	HWM        uint64   `json:"hwm"`
	Epoch      uint64   `json:"epoch"`
}

type leaderResponse struct {
	Leader *LeaderInfo `json:"leader"`
}

type brokersResponse struct {
	Brokers []heartbeat `json:"brokers"`
}

type topicsResponse struct {
	Topics []string `json:"topics"`
	Count  int      `json:"count"`
}

type topicHealth struct {
	NextOffset uint64 `json:"next_offset"`
	HWM        uint64 `json:"hwm"`
}

type healthResponse struct {
	Role   Role                   `json:"role"`
	Epoch  uint64                 `json:"epoch"`
	Topics map[string]topicHealth `json:"topics"`
}

type errorResponse struct {
	Error  string      `json:"error"`
	Leader *LeaderInfo `json:"leader,omitempty"`
}
