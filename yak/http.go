package yak

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"
)

// Server exposes the broker protocol over HTTP. Handlers stay thin: they
// validate the request shape, call into the Broker, and translate errors
// to the protocol's status codes in one place.
type Server struct {
	b      *Broker
	logger *logrus.Entry
}

func NewServer(b *Broker, logger *logrus.Entry) *Server {
	return &Server{b: b, logger: logger}
}

// Routes wires the endpoints into the provided mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /register_topic", s.handleRegisterTopic)
	mux.HandleFunc("POST /produce", s.handleProduce)
	mux.HandleFunc("GET /consume", s.handleConsume)
	mux.HandleFunc("POST /replicate/push", s.handlePush)
	mux.HandleFunc("GET /replicate/pull", s.handlePull)
	mux.HandleFunc("GET /metadata/leader", s.handleLeader)
	mux.HandleFunc("GET /metadata/topics", s.handleTopics)
	mux.HandleFunc("GET /metadata/brokers", s.handleBrokers)
	mux.HandleFunc("GET /health", s.handleHealth)
}

// Handler returns the complete routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Routes(mux)
	return mux
}

func (s *Server) handleRegisterTopic(w http.ResponseWriter, r *http.Request) {
	var req registerTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing topic name"})
		return
	}
	if err := s.b.RegisterTopic(req.Topic); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registerTopicResponse{Topic: req.Topic, Created: true})
}

func (s *Server) handleProduce(w http.ResponseWriter, r *http.Request) {
	var req produceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing topic name"})
		return
	}
	offset, hwm, err := s.b.Produce(req.Topic, req.Message)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, produceResponse{Offset: offset, HWM: hwm})
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing topic name"})
		return
	}
	offset := uint64(0)
	if raw := r.URL.Query().Get("offset"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid offset"})
			return
		}
		offset = v
	}
	resp, err := s.b.Consume(topic, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Topic == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid push body"})
		return
	}
	resp, mism, err := s.b.Worker().HandlePush(req)
	switch err {
	case nil:
		writeJSON(w, http.StatusOK, resp)
	case ErrOffsetMismatch:
		writeJSON(w, http.StatusRequestedRangeNotSatisfiable, mism)
	default:
		s.writeError(w, err)
	}
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	topic := q.Get("topic")
	if topic == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing topic name"})
		return
	}
	from, err := strconv.ParseUint(q.Get("from"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid from offset"})
		return
	}
	epoch := uint64(0)
	if raw := q.Get("epoch"); raw != "" {
		if epoch, err = strconv.ParseUint(raw, 10, 64); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid epoch"})
			return
		}
	}
	resp, err := s.b.ServePull(topic, from, epoch)
	if err != nil {
		// a pull against a non-leader is a role conflict, not a redirect:
		// the worker rediscovers the leader from the lease on its own
		if err == ErrNotLeader {
			writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Leader: s.b.Leader()})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLeader(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, leaderResponse{Leader: s.b.Leader()})
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	topics := s.b.Topics()
	writeJSON(w, http.StatusOK, topicsResponse{Topics: topics, Count: len(topics)})
}

func (s *Server) handleBrokers(w http.ResponseWriter, r *http.Request) {
	brokers, err := s.b.Brokers(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	if brokers == nil {
		brokers = []heartbeat{}
	}
	writeJSON(w, http.StatusOK, brokersResponse{Brokers: brokers})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.b.Health())
}

// writeError maps sentinel errors to the protocol's code table. Not-leader
// turns into a 307 carrying the current leader when one is known.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch err {
	case ErrNotLeader:
		leader := s.b.Leader()
		if leader == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: ErrNoLeader.Error()})
			return
		}
		w.Header().Set("Location", fmt.Sprintf("http://%s", leader.Addr()))
		writeJSON(w, http.StatusTemporaryRedirect, errorResponse{Error: err.Error(), Leader: leader})
	case ErrNoLeader:
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case ErrNoSuchTopic:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case ErrTopicExists, ErrEpochStale:
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case ErrOffsetMismatch, ErrOutOfRange:
		writeJSON(w, http.StatusRequestedRangeNotSatisfiable, errorResponse{Error: err.Error()})
	default:
		s.logger.WithField("Topic", DHTTP).Errorf("Internal error: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
