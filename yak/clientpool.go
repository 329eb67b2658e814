package yak

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

/*
 * ClientPool is used by the leader to call into follower brokers and by
 * the follower catch-up loop to call into the leader.
 *
 * Clients are cached by address. We assume that the connection
 * information for a given address never changes.
 */
type ClientPool struct {
	mutex   sync.RWMutex
	timeout time.Duration
	clients map[string]*peerClient
}

func NewClientPool(timeout time.Duration) *ClientPool {
	return &ClientPool{
		timeout: timeout,
		clients: make(map[string]*peerClient),
	}
}

// GetClient returns the cached client for addr, creating it on first use.
func (pool *ClientPool) GetClient(addr string) *peerClient {
	// Optimistic read -- most cases we will have already cached the
	// client, so only take a read lock to maximize concurrency here
	pool.mutex.RLock()
	client, ok := pool.clients[addr]
	pool.mutex.RUnlock()
	if ok {
		return client
	}

	pool.mutex.Lock()
	defer pool.mutex.Unlock()
	// We may have lost a race and someone already created a client, try
	// again while holding the exclusive lock
	if client, ok = pool.clients[addr]; ok {
		return client
	}

	client = &peerClient{
		base: "http://" + addr,
		http: &http.Client{Timeout: pool.timeout},
	}
	pool.clients[addr] = client
	return client
}

// peerClient speaks the broker-to-broker slice of the HTTP protocol.
type peerClient struct {
	base string
	http *http.Client
}

// Push delivers a replication batch. A 416 returns the follower's
// mismatch hint together with ErrOffsetMismatch; a 409 returns
// ErrEpochStale.
func (pc *peerClient) Push(ctx context.Context, req pushRequest) (pushResponse, *mismatchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return pushResponse{}, nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, pc.base+"/replicate/push", bytes.NewReader(body))
	if err != nil {
		return pushResponse{}, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := pc.http.Do(httpReq)
	if err != nil {
		return pushResponse{}, nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out pushResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return pushResponse{}, nil, err
		}
		return out, nil, nil
	case http.StatusConflict:
		return pushResponse{}, nil, ErrEpochStale
	case http.StatusRequestedRangeNotSatisfiable:
		var mism mismatchResponse
		if err := json.NewDecoder(resp.Body).Decode(&mism); err != nil {
			return pushResponse{}, nil, err
		}
		return pushResponse{}, &mism, ErrOffsetMismatch
	default:
		return pushResponse{}, nil, fmt.Errorf("push to %s: unexpected status %d", pc.base, resp.StatusCode)
	}
}

// Pull fetches records from the leader starting at from. The epoch is the
// caller's highest observed epoch, so a stale leader can fence itself.
func (pc *peerClient) Pull(ctx context.Context, topic string, from, epoch uint64) (pullResponse, error) {
	url := fmt.Sprintf("%s/replicate/pull?topic=%s&from=%d&epoch=%d", pc.base, topic, from, epoch)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return pullResponse{}, err
	}
	resp, err := pc.http.Do(httpReq)
	if err != nil {
		return pullResponse{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out pullResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return pullResponse{}, err
		}
		return out, nil
	case http.StatusConflict:
		return pullResponse{}, ErrEpochStale
	case http.StatusRequestedRangeNotSatisfiable:
		return pullResponse{}, ErrOffsetMismatch
	case http.StatusNotFound:
		return pullResponse{}, ErrNoSuchTopic
	default:
		io.Copy(io.Discard, resp.Body)
		return pullResponse{}, fmt.Errorf("pull from %s: unexpected status %d", pc.base, resp.StatusCode)
	}
}

// Topics lists the topics the peer knows about.
func (pc *peerClient) Topics(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pc.base+"/metadata/topics", nil)
	if err != nil {
		return nil, err
	}
	resp, err := pc.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("topics from %s: unexpected status %d", pc.base, resp.StatusCode)
	}
	var out topicsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Topics, nil
}
