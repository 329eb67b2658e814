package yak

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testNode is one in-process broker with a real HTTP listener, so peers
// replicate over the same wire protocol production uses.
type testNode struct {
	b      *Broker
	srv    *httptest.Server
	cancel context.CancelFunc
	url    string
}

func startNode(t *testing.T, id string, coord CoordStore) *testNode {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port

	cfg := DefaultConfig()
	cfg.BrokerID = id
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	cfg.DataDir = t.TempDir()
	cfg.LeaseTTL = 400 * time.Millisecond
	cfg.RenewInterval = 80 * time.Millisecond
	cfg.HeartbeatInterval = 40 * time.Millisecond
	cfg.HeartbeatTTL = 160 * time.Millisecond
	cfg.ReplicationPoll = 20 * time.Millisecond
	cfg.RequestTimeout = time.Second

	b, err := NewBroker(cfg, coord, testLogger())
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(NewServer(b, testLogger()).Handler())
	srv.Listener.Close()
	srv.Listener = l
	srv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = b.Start(ctx) }()

	node := &testNode{b: b, srv: srv, cancel: cancel, url: srv.URL}
	t.Cleanup(node.stop)
	return node
}

func (n *testNode) stop() {
	n.cancel()
	n.srv.Close()
}

func waitForLeader(t *testing.T, nodes ...*testNode) *testNode {
	t.Helper()
	var leader *testNode
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.b.Snapshot().Role == RoleLeader {
				leader = n
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "no broker became leader")
	return leader
}

func postJSON(t *testing.T, url string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	client := &http.Client{
		// surface 307s instead of transparently following them
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestClusterSingleBrokerHappyPath(t *testing.T) {
	coord := NewMemoryCoord()
	n1 := startNode(t, "1", coord)
	waitForLeader(t, n1)

	resp, _ := postJSON(t, n1.url+"/register_topic", registerTopicRequest{Topic: "t"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for _, m := range []string{"a", "b", "c"} {
		resp, raw := postJSON(t, n1.url+"/produce", produceRequest{Topic: "t", Message: m})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	}

	// a single-broker quorum is the leader itself, so the mark catches up
	require.Eventually(t, func() bool {
		hwm, err := n1.b.Storage().HWM("t")
		return err == nil && hwm == 3
	}, 5*time.Second, 20*time.Millisecond)

	httpResp, err := http.Get(n1.url + "/consume?topic=t&offset=0")
	require.NoError(t, err)
	defer httpResp.Body.Close()
	var consumed consumeResponse
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&consumed))
	require.Len(t, consumed.Messages, 3)
	assert.Equal(t, "a", consumed.Messages[0].Message)
	assert.Equal(t, "c", consumed.Messages[2].Message)
	assert.EqualValues(t, 3, consumed.HWM)
}

func TestClusterFollowerRedirect(t *testing.T) {
	coord := NewMemoryCoord()
	n1 := startNode(t, "1", coord)
	leader := waitForLeader(t, n1)
	n2 := startNode(t, "2", coord)

	require.Eventually(t, func() bool {
		return n2.b.Snapshot().Role == RoleFollower
	}, 5*time.Second, 20*time.Millisecond)

	resp, _ := postJSON(t, leader.url+"/register_topic", registerTopicRequest{Topic: "t"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw := postJSON(t, n2.url+"/produce", produceRequest{Topic: "t", Message: "x"})
	require.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	var redirect errorResponse
	require.NoError(t, json.Unmarshal(raw, &redirect))
	require.NotNil(t, redirect.Leader)
	assert.Equal(t, "1", redirect.Leader.BrokerID)

	resp, raw = postJSON(t, fmt.Sprintf("http://%s/produce", redirect.Leader.Addr()),
		produceRequest{Topic: "t", Message: "x"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var produced produceResponse
	require.NoError(t, json.Unmarshal(raw, &produced))
	assert.EqualValues(t, 0, produced.Offset)
}

func TestClusterReplicationConvergence(t *testing.T) {
	coord := NewMemoryCoord()
	n1 := startNode(t, "1", coord)
	waitForLeader(t, n1)

	require.NoError(t, n1.b.RegisterTopic("t"))
	for i := 0; i < 100; i++ {
		_, _, err := n1.b.Produce("t", fmt.Sprintf("msg-%d", i))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		hwm, err := n1.b.Storage().HWM("t")
		return err == nil && hwm == 100
	}, 5*time.Second, 20*time.Millisecond)

	// a broker that joins later converges to the leader's log and mark
	n2 := startNode(t, "2", coord)
	require.Eventually(t, func() bool {
		length, lerr := n2.b.Storage().Length("t")
		hwm, herr := n2.b.Storage().HWM("t")
		return lerr == nil && herr == nil && length == 100 && hwm == 100
	}, 10*time.Second, 20*time.Millisecond)

	records, err := n2.b.Storage().Read("t", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "msg-0", records[0].Message)
	assert.Equal(t, "msg-99", records[99].Message)
}

func TestClusterLeaderFailover(t *testing.T) {
	coord := NewMemoryCoord()
	n1 := startNode(t, "1", coord)
	old := waitForLeader(t, n1)
	oldEpoch := old.b.Snapshot().Epoch
	n2 := startNode(t, "2", coord)
	n3 := startNode(t, "3", coord)

	require.NoError(t, n1.b.RegisterTopic("t"))
	for i := 0; i < 10; i++ {
		_, _, err := n1.b.Produce("t", fmt.Sprintf("msg-%d", i))
		require.NoError(t, err)
	}
	// let both followers fully converge before the crash
	for _, n := range []*testNode{n1, n2, n3} {
		n := n
		require.Eventually(t, func() bool {
			length, lerr := n.b.Storage().Length("t")
			hwm, herr := n.b.Storage().HWM("t")
			return lerr == nil && herr == nil && length == 10 && hwm == 10
		}, 10*time.Second, 20*time.Millisecond)
	}

	n1.stop()

	var successor *testNode
	require.Eventually(t, func() bool {
		for _, n := range []*testNode{n2, n3} {
			if n.b.Snapshot().Role == RoleLeader {
				successor = n
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "no successor elected")
	assert.Equal(t, oldEpoch+1, successor.b.Snapshot().Epoch)

	offset, _, err := successor.b.Produce("t", "after-failover")
	require.NoError(t, err)
	assert.EqualValues(t, 10, offset)

	require.Eventually(t, func() bool {
		hwm, err := successor.b.Storage().HWM("t")
		return err == nil && hwm == 11
	}, 10*time.Second, 20*time.Millisecond)

	// everything committed under the old epoch is still readable
	resp, err := successor.b.Consume("t", 0)
	require.NoError(t, err)
	require.Len(t, resp.Messages, 11)
	assert.Equal(t, "msg-0", resp.Messages[0].Message)
	assert.Equal(t, "after-failover", resp.Messages[10].Message)
	assert.EqualValues(t, oldEpoch, resp.Messages[0].Epoch)
	assert.EqualValues(t, oldEpoch+1, resp.Messages[10].Epoch)
}

func TestClusterDivergencePruning(t *testing.T) {
	coord := NewMemoryCoord()
	n1 := startNode(t, "1", coord)
	waitForLeader(t, n1)
	n2 := startNode(t, "2", coord)

	require.NoError(t, n1.b.RegisterTopic("t"))
	_, _, err := n1.b.Produce("t", "a")
	require.NoError(t, err)
	_, _, err = n1.b.Produce("t", "b")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		length, lerr := n2.b.Storage().Length("t")
		hwm, herr := n2.b.Storage().HWM("t")
		return lerr == nil && herr == nil && length == 2 && hwm == 2
	}, 10*time.Second, 20*time.Millisecond)

	// sneak an uncommitted record past the replication protocol
	epoch := n2.b.HighestEpoch()
	require.NoError(t, n2.b.Storage().AppendRecord("t", Record{Offset: 2, Topic: "t", Message: "rogue", Epoch: epoch}))

	// the next catch-up round discovers the leader's log is shorter and
	// prunes the suffix back to the committed prefix
	require.Eventually(t, func() bool {
		length, err := n2.b.Storage().Length("t")
		return err == nil && length == 2
	}, 10*time.Second, 20*time.Millisecond)

	// the pruned slot is eventually filled by the leader's own record
	_, _, err = n1.b.Produce("t", "real")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		records, err := n2.b.Storage().Read("t", 2, 1)
		return err == nil && len(records) == 1 && records[0].Message == "real"
	}, 10*time.Second, 20*time.Millisecond)
}

func TestClusterConsumeFromFollower(t *testing.T) {
	coord := NewMemoryCoord()
	n1 := startNode(t, "1", coord)
	waitForLeader(t, n1)
	n2 := startNode(t, "2", coord)

	require.NoError(t, n1.b.RegisterTopic("t"))
	_, _, err := n1.b.Produce("t", "a")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		hwm, err := n2.b.Storage().HWM("t")
		return err == nil && hwm == 1
	}, 10*time.Second, 20*time.Millisecond)

	// the committed prefix is stable, so any broker may serve it
	httpResp, err := http.Get(n2.url + "/consume?topic=t&offset=0")
	require.NoError(t, err)
	defer httpResp.Body.Close()
	var consumed consumeResponse
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&consumed))
	require.Len(t, consumed.Messages, 1)
	assert.Equal(t, "a", consumed.Messages[0].Message)
}
