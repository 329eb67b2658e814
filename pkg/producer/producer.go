// Package producer is the YAK producing client: it discovers the leader
// through a bootstrap list of brokers, follows redirects after failover,
// and retries a bounded number of times. Duplicates are possible
// under retry; the broker does not deduplicate.
package producer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultMaxRetries = 5
	defaultRetryDelay = 2 * time.Second
	defaultTimeout    = 8 * time.Second
)

type leaderInfo struct {
	BrokerID string `json:"broker_id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

func (li leaderInfo) addr() string {
	return fmt.Sprintf("%s:%d", li.Host, li.Port)
}

// Result is the broker's acknowledgement of one produced message.
type Result struct {
	Offset uint64 `json:"offset"`
	HWM    uint64 `json:"hwm"`
}

type redirectBody struct {
	Error  string      `json:"error"`
	Leader *leaderInfo `json:"leader"`
}

type Producer struct {
	mu      sync.RWMutex
	brokers []string
	leader  string

	http       *http.Client
	logger     *logrus.Entry
	maxRetries int
	retryDelay time.Duration
}

func NewProducer(brokers []string, logger *logrus.Entry) *Producer {
	return &Producer{
		brokers:    brokers,
		http:       &http.Client{Timeout: defaultTimeout},
		logger:     logger,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}
}

// DiscoverLeader queries the bootstrap brokers until one reports a
// leader. The discovered address is cached for subsequent sends.
func (p *Producer) DiscoverLeader(ctx context.Context) (string, error) {
	for _, b := range p.brokers {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/metadata/leader", b), nil)
		if err != nil {
			continue
		}
		resp, err := p.http.Do(req)
		if err != nil {
			continue
		}
		var body struct {
			Leader *leaderInfo `json:"leader"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil || body.Leader == nil || body.Leader.Host == "" {
			continue
		}
		addr := body.Leader.addr()
		p.setLeader(addr)
		p.logger.Infof("Leader discovered via %s: %s", b, addr)
		return addr, nil
	}
	return "", fmt.Errorf("no leader reachable via %v", p.brokers)
}

func (p *Producer) setLeader(addr string) {
	p.mu.Lock()
	p.leader = addr
	p.mu.Unlock()
}

func (p *Producer) currentLeader(ctx context.Context) (string, error) {
	p.mu.RLock()
	leader := p.leader
	p.mu.RUnlock()
	if leader != "" {
		return leader, nil
	}
	return p.DiscoverLeader(ctx)
}

// RegisterTopic creates the topic on the leader, following a redirect if
// our cached leader went stale. An already-existing topic is not an error.
func (p *Producer) RegisterTopic(ctx context.Context, topic string) error {
	body, _ := json.Marshal(map[string]string{"topic": topic})
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		leader, err := p.currentLeader(ctx)
		if err != nil {
			p.sleep(ctx)
			continue
		}
		resp, err := p.post(ctx, leader, "/register_topic", body)
		if err != nil {
			p.setLeader("")
			p.sleep(ctx)
			continue
		}
		switch resp.StatusCode {
		case http.StatusOK, http.StatusConflict:
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil
		case http.StatusTemporaryRedirect:
			p.followRedirect(resp)
		default:
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			p.setLeader("")
			p.sleep(ctx)
		}
	}
	return fmt.Errorf("could not register topic %s after %d attempts", topic, p.maxRetries)
}

// Produce sends one message and returns the assigned offset. The
// acknowledgement is asynchronous on the broker side: the offset may not
// be committed yet when this returns.
func (p *Producer) Produce(ctx context.Context, topic, message string) (Result, error) {
	body, _ := json.Marshal(map[string]string{"topic": topic, "message": message})
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		leader, err := p.currentLeader(ctx)
		if err != nil {
			p.logger.Warnf("No leader known (attempt %d): %v", attempt, err)
			p.sleep(ctx)
			continue
		}
		p.logger.Debugf("Sending to %s (attempt %d)", leader, attempt)
		resp, err := p.post(ctx, leader, "/produce", body)
		if err != nil {
			p.logger.Warnf("Leader %s unreachable: %v", leader, err)
			p.setLeader("")
			p.sleep(ctx)
			continue
		}
		switch resp.StatusCode {
		case http.StatusOK:
			var res Result
			err := json.NewDecoder(resp.Body).Decode(&res)
			resp.Body.Close()
			if err != nil {
				return Result{}, err
			}
			return res, nil
		case http.StatusTemporaryRedirect:
			p.followRedirect(resp)
		case http.StatusServiceUnavailable:
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			p.setLeader("")
			p.sleep(ctx)
		default:
			var fail redirectBody
			json.NewDecoder(resp.Body).Decode(&fail)
			resp.Body.Close()
			return Result{}, fmt.Errorf("produce to %s failed: %s (status %d)", topic, fail.Error, resp.StatusCode)
		}
	}
	return Result{}, fmt.Errorf("could not deliver message after %d attempts", p.maxRetries)
}

// SendLines produces every non-empty line of r as its own message and
// returns the number delivered.
func (p *Producer) SendLines(ctx context.Context, topic string, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	sent := 0
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if _, err := p.Produce(ctx, topic, line); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, scanner.Err()
}

func (p *Producer) post(ctx context.Context, addr, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return p.http.Do(req)
}

func (p *Producer) followRedirect(resp *http.Response) {
	var body redirectBody
	err := json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if err == nil && body.Leader != nil && body.Leader.Host != "" {
		addr := body.Leader.addr()
		p.logger.Infof("Redirected to leader %s", addr)
		p.setLeader(addr)
		return
	}
	p.setLeader("")
}

func (p *Producer) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.retryDelay):
	}
}
