package yak

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync"
	"github.com/sirupsen/logrus"
)

const (
	partitionDirName = "partition-0"
	logFileName      = "messages.log"
	hwmFileName      = "hwm"
)

// Storage holds every topic log of one broker: an append-only JSONL file
// per topic plus an in-memory index, and a sidecar file carrying the
// persisted high-water mark.
type Storage struct {
	baseDir string
	logger  *logrus.Entry

	mu     sync.Mutex // serializes topic creation and recovery
	topics *xsync.Map // topic name -> *topicLog
}

// topicLog is the per-topic state. The RWMutex covers the file, the
// record slice and the hwm; reads take the shared side.
type topicLog struct {
	mu        sync.RWMutex
	name      string
	dir       string
	file      *os.File
	records   []Record
	positions []int64 // byte position of record i in the log file
	size      int64
	hwm       uint64
}

// NewStorage opens baseDir and recovers every topic found under it.
func NewStorage(baseDir string, logger *logrus.Entry) (*Storage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}
	s := &Storage{
		baseDir: baseDir,
		logger:  logger,
		topics:  xsync.NewMap(),
	}
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		tl, err := s.openTopic(e.Name())
		if err != nil {
			return nil, fmt.Errorf("recover topic %s: %w", e.Name(), err)
		}
		s.topics.Store(e.Name(), tl)
		logger.WithField("Topic", DStore).Infof("Recovered topic %s: next_offset=%d hwm=%d", e.Name(), len(tl.records), tl.hwm)
	}
	return s, nil
}

// CreateTopic registers an empty topic. Returns ErrTopicExists if it is
// already present.
func (s *Storage) CreateTopic(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics.Load(name); ok {
		return ErrTopicExists
	}
	tl, err := s.openTopic(name)
	if err != nil {
		return err
	}
	s.topics.Store(name, tl)
	s.logger.WithField("Topic", DStore).Infof("Created topic %s", name)
	return nil
}

// EnsureTopic creates the topic if missing. Followers use it when the
// leader announces a topic they have never seen.
func (s *Storage) EnsureTopic(name string) error {
	if err := s.CreateTopic(name); err != nil && err != ErrTopicExists {
		return err
	}
	return nil
}

// openTopic opens (or creates) the on-disk layout for a topic and
// rebuilds the in-memory index. A partial trailing line left by a crash
// is cut off and does not count toward the offset space.
func (s *Storage) openTopic(name string) (*topicLog, error) {
	dir := filepath.Join(s.baseDir, name, partitionDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, logFileName)

	raw, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	tl := &topicLog{name: name, dir: dir}
	pos := int64(0)
	for len(raw) > 0 {
		nl := bytes.IndexByte(raw, '\n')
		if nl < 0 {
			// torn write: the append never completed
			s.logger.WithField("Topic", DStore).Warnf("Dropping partial trailing line in %s", path)
			if err := os.Truncate(path, pos); err != nil {
				return nil, err
			}
			break
		}
		var rec Record
		if err := json.Unmarshal(raw[:nl], &rec); err != nil {
			s.logger.WithField("Topic", DStore).Warnf("Dropping undecodable tail of %s: %v", path, err)
			if err := os.Truncate(path, pos); err != nil {
				return nil, err
			}
			break
		}
		tl.records = append(tl.records, rec)
		tl.positions = append(tl.positions, pos)
		pos += int64(nl + 1)
		raw = raw[nl+1:]
	}
	tl.size = pos

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	tl.file = file

	hwm, err := readHWMFile(filepath.Join(dir, hwmFileName))
	if err != nil {
		return nil, err
	}
	if hwm > uint64(len(tl.records)) {
		hwm = uint64(len(tl.records))
	}
	tl.hwm = hwm
	return tl, nil
}

func readHWMFile(path string) (uint64, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse hwm sidecar %s: %w", path, err)
	}
	return v, nil
}

func (s *Storage) topic(name string) (*topicLog, error) {
	v, ok := s.topics.Load(name)
	if !ok {
		return nil, ErrNoSuchTopic
	}
	return v.(*topicLog), nil
}

// Has reports whether the topic is registered on this broker.
func (s *Storage) Has(name string) bool {
	_, ok := s.topics.Load(name)
	return ok
}

// Topics returns the registered topic names.
func (s *Storage) Topics() []string {
	var names []string
	s.topics.Range(func(key string, _ interface{}) bool {
		names = append(names, key)
		return true
	})
	return names
}

// Append assigns the next offset to message under epoch and writes it
// durably. The offset is not advanced if the disk write fails.
func (s *Storage) Append(topic, message string, epoch uint64) (uint64, error) {
	tl, err := s.topic(topic)
	if err != nil {
		return 0, err
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	rec := Record{
		Offset:  uint64(len(tl.records)),
		Topic:   topic,
		Message: message,
		Epoch:   epoch,
	}
	if err := tl.writeRecord(rec); err != nil {
		return 0, err
	}
	return rec.Offset, nil
}

// AppendRecord applies a replicated record. Records at already-stored
// offsets are skipped (the committed prefix is identical on both sides);
// a record beyond the log end is a mismatch.
func (s *Storage) AppendRecord(topic string, rec Record) error {
	tl, err := s.topic(topic)
	if err != nil {
		return err
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	next := uint64(len(tl.records))
	if rec.Offset < next {
		return nil
	}
	if rec.Offset > next {
		return ErrOffsetMismatch
	}
	if n := len(tl.records); n > 0 && rec.Epoch < tl.records[n-1].Epoch {
		return ErrEpochStale
	}
	return tl.writeRecord(rec)
}

// writeRecord appends rec to the file and the index; caller holds the
// exclusive lock. The record is durable once the write returned.
func (tl *topicLog) writeRecord(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := tl.file.Write(line); err != nil {
		// roll the file back so a half-written line cannot be counted
		_ = tl.file.Truncate(tl.size)
		return fmt.Errorf("append to %s: %w", tl.name, err)
	}
	if err := tl.file.Sync(); err != nil {
		_ = tl.file.Truncate(tl.size)
		return fmt.Errorf("sync %s: %w", tl.name, err)
	}
	tl.records = append(tl.records, rec)
	tl.positions = append(tl.positions, tl.size)
	tl.size += int64(len(line))
	return nil
}

// Read returns up to maxCount records starting at from. An empty slice is
// returned at the log end; from beyond next_offset is ErrOutOfRange.
// maxCount <= 0 means no limit.
func (s *Storage) Read(topic string, from uint64, maxCount int) ([]Record, error) {
	tl, err := s.topic(topic)
	if err != nil {
		return nil, err
	}
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	next := uint64(len(tl.records))
	if from > next {
		return nil, ErrOutOfRange
	}
	out := tl.records[from:]
	if maxCount > 0 && len(out) > maxCount {
		out = out[:maxCount]
	}
	return append([]Record(nil), out...), nil
}

// TruncateTo discards every record at offset >= newEnd. Truncation below
// the high-water mark is refused: the committed prefix is immutable.
func (s *Storage) TruncateTo(topic string, newEnd uint64) error {
	tl, err := s.topic(topic)
	if err != nil {
		return err
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if newEnd < tl.hwm {
		return ErrTruncateBelowHWM
	}
	if newEnd >= uint64(len(tl.records)) {
		return nil
	}
	cut := tl.positions[newEnd]
	if err := tl.file.Truncate(cut); err != nil {
		return fmt.Errorf("truncate %s: %w", tl.name, err)
	}
	if err := tl.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tl.name, err)
	}
	tl.records = tl.records[:newEnd]
	tl.positions = tl.positions[:newEnd]
	tl.size = cut
	return nil
}

// Length returns next_offset for the topic.
func (s *Storage) Length(topic string) (uint64, error) {
	tl, err := s.topic(topic)
	if err != nil {
		return 0, err
	}
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	return uint64(len(tl.records)), nil
}

// HWM returns the committed boundary for the topic.
func (s *Storage) HWM(topic string) (uint64, error) {
	tl, err := s.topic(topic)
	if err != nil {
		return 0, err
	}
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	return tl.hwm, nil
}

// SetHWM advances the high-water mark. Regressions and marks beyond the
// log end are rejected; equal values are a no-op.
func (s *Storage) SetHWM(topic string, v uint64) error {
	tl, err := s.topic(topic)
	if err != nil {
		return err
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if v == tl.hwm {
		return nil
	}
	if v < tl.hwm {
		return fmt.Errorf("hwm regression on %s: %d < %d", topic, v, tl.hwm)
	}
	if v > uint64(len(tl.records)) {
		return ErrOutOfRange
	}
	path := filepath.Join(tl.dir, hwmFileName)
	if err := os.WriteFile(path, []byte(strconv.FormatUint(v, 10)), 0644); err != nil {
		return fmt.Errorf("persist hwm for %s: %w", topic, err)
	}
	tl.hwm = v
	return nil
}

// LastEpoch returns the epoch of the last record, or 0 for an empty log.
func (s *Storage) LastEpoch(topic string) (uint64, error) {
	tl, err := s.topic(topic)
	if err != nil {
		return 0, err
	}
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	if len(tl.records) == 0 {
		return 0, nil
	}
	return tl.records[len(tl.records)-1].Epoch, nil
}

// Close syncs and closes every topic file.
func (s *Storage) Close() error {
	var firstErr error
	s.topics.Range(func(_ string, v interface{}) bool {
		tl := v.(*topicLog)
		tl.mu.Lock()
		if err := tl.file.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := tl.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		tl.mu.Unlock()
		return true
	})
	return firstErr
}
