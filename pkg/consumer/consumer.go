// Package consumer is the YAK consuming client. It discovers the leader
// through a bootstrap list of brokers, polls it for the committed
// records of one topic, mirrors them into a local JSONL
// store, and resumes from the highest locally-stored offset after a
// restart. The consumer tracks its own position; the broker keeps no
// per-consumer state.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultTimeout      = 5 * time.Second
	defaultPollInterval = 2 * time.Second
)

// Message is one consumed record.
type Message struct {
	Offset  uint64 `json:"offset"`
	Topic   string `json:"topic"`
	Message string `json:"message"`
	Epoch   uint64 `json:"epoch"`
}

type consumeBody struct {
	Messages       []Message `json:"messages"`
	HWM            uint64    `json:"hwm"`
	TotalAvailable int       `json:"total_available"`
}

// Store persists consumed messages per topic, in the same
// <topic>/partition-0/messages.log layout the brokers use.
type Store struct {
	mu      sync.Mutex
	baseDir string
}

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) logPath(topic string) (string, error) {
	dir := filepath.Join(s.baseDir, topic, "partition-0")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "messages.log"), nil
}

// Append writes one message as a JSON line.
func (s *Store) Append(topic string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.logPath(topic)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// ReadAll returns every stored message of the topic; undecodable lines
// are skipped.
func (s *Store) ReadAll(topic string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.logPath(topic)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Message
	for _, line := range splitLines(raw) {
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func splitLines(raw []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range raw {
		if b == '\n' {
			if i > start {
				lines = append(lines, raw[start:i])
			}
			start = i + 1
		}
	}
	return lines
}

// NextOffset returns max stored offset + 1, or 0 for an empty store.
func (s *Store) NextOffset(topic string) (uint64, error) {
	msgs, err := s.ReadAll(topic)
	if err != nil {
		return 0, err
	}
	next := uint64(0)
	for _, m := range msgs {
		if m.Offset+1 > next {
			next = m.Offset + 1
		}
	}
	return next, nil
}

// Consumer polls one topic from a tracked offset.
type Consumer struct {
	brokers []string
	topic   string
	store   *Store
	offset  uint64
	leader  string

	http         *http.Client
	logger       *logrus.Entry
	pollInterval time.Duration
}

func NewConsumer(brokers []string, topic, dataDir string, logger *logrus.Entry) (*Consumer, error) {
	store, err := NewStore(dataDir)
	if err != nil {
		return nil, err
	}
	offset, err := store.NextOffset(topic)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		brokers:      brokers,
		topic:        topic,
		store:        store,
		offset:       offset,
		http:         &http.Client{Timeout: defaultTimeout},
		logger:       logger,
		pollInterval: defaultPollInterval,
	}, nil
}

// Offset returns the next offset the consumer will request.
func (c *Consumer) Offset() uint64 {
	return c.offset
}

func (c *Consumer) discoverLeader(ctx context.Context) error {
	for _, b := range c.brokers {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/metadata/leader", b), nil)
		if err != nil {
			continue
		}
		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.Warnf("Failed to query broker %s: %v", b, err)
			continue
		}
		var body struct {
			Leader *struct {
				Host string `json:"host"`
				Port int    `json:"port"`
			} `json:"leader"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil || body.Leader == nil || body.Leader.Host == "" {
			continue
		}
		c.leader = fmt.Sprintf("%s:%d", body.Leader.Host, body.Leader.Port)
		c.logger.Infof("Leader discovered via %s: %s", b, c.leader)
		return nil
	}
	return fmt.Errorf("no leader reachable via %v", c.brokers)
}

// Poll fetches the committed records past the tracked offset once,
// stores them locally and advances the offset. Returns the new messages.
func (c *Consumer) Poll(ctx context.Context) ([]Message, error) {
	if c.leader == "" {
		if err := c.discoverLeader(ctx); err != nil {
			return nil, err
		}
	}
	url := fmt.Sprintf("http://%s/consume?topic=%s&offset=%d", c.leader, c.topic, c.offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.leader = "" // force rediscovery next poll
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("topic %s does not exist", c.topic)
	}
	if resp.StatusCode != http.StatusOK {
		c.leader = ""
		return nil, fmt.Errorf("consume failed with status %d", resp.StatusCode)
	}
	var body consumeBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	for _, msg := range body.Messages {
		if err := c.store.Append(c.topic, msg); err != nil {
			return nil, err
		}
		c.offset = msg.Offset + 1
	}
	if len(body.Messages) > 0 {
		c.logger.Infof("Consumed %d messages, next offset=%d, hwm=%d", len(body.Messages), c.offset, body.HWM)
	}
	return body.Messages, nil
}

// Run polls until ctx is done, invoking handler for every new message.
// Poll errors are logged and retried after the poll interval.
func (c *Consumer) Run(ctx context.Context, handler func(Message) error) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			msgs, err := c.Poll(ctx)
			if err != nil {
				c.logger.Warnf("Poll failed: %v", err)
				continue
			}
			for _, msg := range msgs {
				if err := handler(msg); err != nil {
					return err
				}
			}
		}
	}
}
