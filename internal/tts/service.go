package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/protocol"
)

var errShuttingDown = fmt.Errorf("%w: bus service shutting down", ErrResourceExhausted)

const (
	busQueueGroup  = "loqa-tts"
	requestTimeout = 2 * time.Minute
)

// BusService answers synthesis, language switch and speaker queries that
// arrive over NATS, using the same Dispatcher as the HTTP surface.
type BusService struct {
	bus        *bus.Client
	dispatcher *Dispatcher
	chunkSize  int
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
}

func NewBusService(parent context.Context, busClient *bus.Client, dispatcher *Dispatcher, chunkSize int, log *slog.Logger) *BusService {
	ctx, cancel := context.WithCancel(parent)
	if chunkSize <= 0 {
		chunkSize = 1024
	}
	return &BusService{
		bus:        busClient,
		dispatcher: dispatcher,
		chunkSize:  chunkSize,
		ctx:        ctx,
		cancel:     cancel,
		logger:     log.With(slog.String("component", "tts-bus")),
	}
}

func (s *BusService) Start() error {
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectTTSRequest:     s.handleRequest,
		protocol.SubjectLanguageSwitch: s.handleLanguageSwitch,
		protocol.SubjectSpeakers:       s.handleSpeakers,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().QueueSubscribe(subject, busQueueGroup, handler)
		if err != nil {
			s.drain()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}
	if err := s.bus.Conn().Flush(); err != nil {
		s.drain()
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	s.logger.Info("listening on bus", slog.Int("subjects", len(handlers)))
	return nil
}

// Close stops accepting work, drains the subscriptions and waits for the
// handlers already running. Messages still delivered by the draining
// subscriptions are refused.
func (s *BusService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.drain()
	s.wg.Wait()
}

func (s *BusService) drain() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
}

// track registers an in-flight handler. It reports false once Close has
// started.
func (s *BusService) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *BusService) Healthy() bool {
	s.mu.Lock()
	subscribed := len(s.subs) > 0
	s.mu.Unlock()
	return subscribed && s.bus.Healthy()
}

func (s *BusService) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		s.respond(msg, protocol.TTSStatus{
			Error:     fmt.Sprintf("%v: %v", ErrInvalidRequest, err),
			Code:      Outcome(ErrInvalidRequest),
			Timestamp: time.Now().UTC(),
		})
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if !s.track() {
		s.respond(msg, protocol.TTSStatus{
			RequestID: req.RequestID,
			SessionID: req.SessionID,
			Target:    req.Target,
			Error:     errShuttingDown.Error(),
			Code:      Outcome(errShuttingDown),
			Timestamp: time.Now().UTC(),
		})
		return
	}
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
		defer cancel()

		res, err := s.dispatcher.Synthesize(ctx, s.toRequest(req))
		status := protocol.TTSStatus{
			RequestID: req.RequestID,
			SessionID: req.SessionID,
			Target:    req.Target,
		}
		if err != nil {
			status.Error = err.Error()
			status.Code = Outcome(err)
			status.Timestamp = time.Now().UTC()
			s.publishStatus(msg, status)
			return
		}

		chunks := s.publishAudio(req, res)
		status.Completed = true
		status.CacheHit = res.CacheHit
		status.Language = res.Language
		status.Bytes = len(res.Audio)
		status.Chunks = chunks
		status.GenerationTimeSeconds = res.GenerationTime.Seconds()
		status.Timestamp = time.Now().UTC()
		s.publishStatus(msg, status)
	}()
}

func (s *BusService) toRequest(msg protocol.TTSRequest) Request {
	req := NewRequest(s.dispatcher.Defaults(), msg.Text, msg.VoiceID)
	if msg.SampleRate != 0 {
		req.SampleRate = msg.SampleRate
	}
	if msg.SDPRatio != nil {
		req.SDPRatio = *msg.SDPRatio
	}
	if msg.NoiseScale != nil {
		req.NoiseScale = *msg.NoiseScale
	}
	if msg.NoiseScaleW != nil {
		req.NoiseScaleW = *msg.NoiseScaleW
	}
	if msg.Speed != nil {
		req.Speed = *msg.Speed
	}
	return req
}

// publishAudio sends the encoded payload as ordered chunks and returns how
// many were published.
func (s *BusService) publishAudio(req protocol.TTSRequest, res *Result) int {
	total := (len(res.Audio) + s.chunkSize - 1) / s.chunkSize
	sequence := 0
	for chunk := range audio.Chunks(res.Audio, s.chunkSize) {
		packet := protocol.AudioChunk{
			RequestID:  req.RequestID,
			SessionID:  req.SessionID,
			Target:     req.Target,
			SampleRate: res.SampleRate,
			Channels:   res.Channels,
			Sequence:   sequence,
			Data:       chunk,
			Final:      sequence == total-1,
		}
		data, err := json.Marshal(packet)
		if err != nil {
			s.logger.Warn("failed to marshal tts chunk", slogError(err))
			return sequence
		}
		if err := s.bus.Conn().Publish(protocol.SubjectTTSAudio, data); err != nil {
			s.logger.Warn("failed to publish tts chunk", slogError(err))
			return sequence
		}
		sequence++
	}
	return sequence
}

func (s *BusService) publishStatus(msg *nats.Msg, status protocol.TTSStatus) {
	data, err := json.Marshal(status)
	if err != nil {
		s.logger.Warn("failed to marshal tts status", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectTTSDone, data); err != nil {
		s.logger.Warn("failed to publish tts status", slogError(err))
	}
	if msg.Reply != "" {
		if err := msg.Respond(data); err != nil {
			s.logger.Warn("failed to reply to tts request", slogError(err))
		}
	}
}

func (s *BusService) handleLanguageSwitch(msg *nats.Msg) {
	var req protocol.LanguageSwitchRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, protocol.LanguageSwitchResponse{Error: err.Error(), Code: Outcome(ErrInvalidRequest)})
		return
	}
	if !s.track() {
		s.respond(msg, protocol.LanguageSwitchResponse{Error: errShuttingDown.Error(), Code: Outcome(errShuttingDown)})
		return
	}
	go func() {
		defer s.wg.Done()
		voices, err := s.dispatcher.SwitchLanguage(s.ctx, req.Language)
		if err != nil {
			s.respond(msg, protocol.LanguageSwitchResponse{Error: err.Error(), Code: Outcome(err)})
			return
		}
		s.respond(msg, protocol.LanguageSwitchResponse{
			Status:            "switched to " + strings.ToUpper(strings.TrimSpace(req.Language)),
			AvailableSpeakers: voices,
		})
	}()
}

func (s *BusService) handleSpeakers(msg *nats.Msg) {
	if !s.track() {
		s.respond(msg, protocol.SpeakersResponse{Error: errShuttingDown.Error(), Code: Outcome(errShuttingDown)})
		return
	}
	go func() {
		defer s.wg.Done()
		voices, err := s.dispatcher.ListVoices(s.ctx)
		if err != nil {
			s.respond(msg, protocol.SpeakersResponse{Error: err.Error(), Code: Outcome(err)})
			return
		}
		s.respond(msg, protocol.SpeakersResponse{AvailableSpeakers: voices})
	}()
}

func (s *BusService) respond(msg *nats.Msg, payload any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}
