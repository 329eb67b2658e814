package yak

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
)

// HeartbeatReporter publishes this broker's liveness, advertised address
// and current epoch into the registry. Entries expire on their own; a
// crashed broker simply stops showing up.
type HeartbeatReporter struct {
	coord    CoordStore
	self     BrokerInfo
	interval time.Duration
	ttl      time.Duration
	epochFn  func() uint64
	logger   *logrus.Entry
}

func NewHeartbeatReporter(coord CoordStore, self BrokerInfo, interval, ttl time.Duration, epochFn func() uint64, logger *logrus.Entry) *HeartbeatReporter {
	return &HeartbeatReporter{
		coord:    coord,
		self:     self,
		interval: interval,
		ttl:      ttl,
		epochFn:  epochFn,
		logger:   logger,
	}
}

// Run registers immediately and then re-publishes every interval.
func (h *HeartbeatReporter) Run(ctx context.Context) error {
	h.publish(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.publish(ctx)
		}
	}
}

func (h *HeartbeatReporter) publish(ctx context.Context) {
	hb := heartbeat{
		BrokerID: h.self.BrokerID,
		Host:     h.self.Host,
		Port:     h.self.Port,
		Epoch:    h.epochFn(),
		SeenAt:   time.Now().UnixMilli(),
	}
	raw, _ := json.Marshal(hb)
	if err := h.coord.SetTTL(ctx, keyBrokerPrefix+h.self.BrokerID, raw, h.ttl); err != nil {
		h.logger.WithField("Topic", DHeartbeat).Warnf("Heartbeat publish failed: %v", err)
	}
}

// aliveBrokers reads the registry and drops entries older than ttl. The
// store's own expiry usually removes them first; the age check covers
// stores that only expire lazily.
func aliveBrokers(ctx context.Context, coord CoordStore, ttl time.Duration) ([]heartbeat, error) {
	entries, err := coord.Scan(ctx, keyBrokerPrefix)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-ttl).UnixMilli()
	var out []heartbeat
	for _, raw := range entries {
		var hb heartbeat
		if err := json.Unmarshal(raw, &hb); err != nil {
			continue
		}
		if hb.SeenAt < cutoff {
			continue
		}
		out = append(out, hb)
	}
	return out, nil
}
