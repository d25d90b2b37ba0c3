// Package api exposes the synthesis dispatcher over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-tts/internal/tts"
)

const (
	maxBodyBytes  = 1 << 20
	requestHeader = "X-Request-ID"
)

type Handler struct {
	dispatcher *tts.Dispatcher
	chunkSize  int
	logger     *slog.Logger
}

func NewHandler(dispatcher *tts.Dispatcher, chunkSize int, log *slog.Logger) *Handler {
	if chunkSize <= 0 {
		chunkSize = 1024
	}
	return &Handler{
		dispatcher: dispatcher,
		chunkSize:  chunkSize,
		logger:     log.With(slog.String("component", "http-api")),
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /speakers", h.handleSpeakers)
	mux.HandleFunc("POST /language/switch", h.handleLanguageSwitch)
	mux.HandleFunc("POST /tts/generate", h.handleGenerate)
}

type generateRequest struct {
	Text        *string  `json:"text"`
	VoiceID     *string  `json:"voice_id"`
	SampleRate  *int     `json:"sr"`
	SDPRatio    *float64 `json:"sdp_ratio"`
	NoiseScale  *float64 `json:"noise_scale"`
	NoiseScaleW *float64 `json:"noise_scale_w"`
	Speed       *float64 `json:"speed"`
}

type switchRequest struct {
	Language string `json:"language"`
}

type speakersResponse struct {
	AvailableSpeakers []string `json:"available_speakers"`
}

type switchResponse struct {
	Status            string   `json:"status"`
	AvailableSpeakers []string `json:"available_speakers"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (h *Handler) handleSpeakers(w http.ResponseWriter, r *http.Request) {
	voices, err := h.dispatcher.ListVoices(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, speakersResponse{AvailableSpeakers: voices})
}

func (h *Handler) handleLanguageSwitch(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	voices, err := h.dispatcher.SwitchLanguage(r.Context(), req.Language)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, switchResponse{
		Status:            "switched to " + strings.ToUpper(strings.TrimSpace(req.Language)),
		AvailableSpeakers: voices,
	})
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(requestHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(requestHeader, requestID)

	var body generateRequest
	if err := decodeJSON(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	req, err := h.toRequest(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.dispatcher.Synthesize(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "audio/wav")
	header.Set("Content-Length", strconv.Itoa(len(res.Audio)))
	// assigned directly to keep the lower-case name clients read
	header["generation_time_seconds"] = []string{fmt.Sprintf("%.3f", res.GenerationTime.Seconds())}
	if res.CacheHit {
		header.Set("X-Cache", "hit")
	} else {
		header.Set("X-Cache", "miss")
	}
	w.WriteHeader(http.StatusOK)

	written, err := stream(r.Context(), w, res.Audio, h.chunkSize)
	if err != nil {
		h.logger.Info("client stopped receiving audio",
			slog.String("request_id", requestID),
			slog.Int("written", written),
			slog.Int("total", len(res.Audio)),
			slog.String("error", err.Error()))
		return
	}
	h.logger.Debug("audio delivered",
		slog.String("request_id", requestID),
		slog.String("language", res.Language),
		slog.Bool("cache_hit", res.CacheHit),
		slog.Int("bytes", written),
		slog.Duration("generation_time", res.GenerationTime))
}

func (h *Handler) toRequest(body generateRequest) (tts.Request, error) {
	if body.Text == nil {
		return tts.Request{}, fmt.Errorf("%w: text is required", tts.ErrInvalidRequest)
	}
	if body.VoiceID == nil {
		return tts.Request{}, fmt.Errorf("%w: voice_id is required", tts.ErrInvalidRequest)
	}
	req := tts.NewRequest(h.dispatcher.Defaults(), *body.Text, *body.VoiceID)
	if body.SampleRate != nil {
		req.SampleRate = *body.SampleRate
	}
	if body.SDPRatio != nil {
		req.SDPRatio = *body.SDPRatio
	}
	if body.NoiseScale != nil {
		req.NoiseScale = *body.NoiseScale
	}
	if body.NoiseScaleW != nil {
		req.NoiseScaleW = *body.NoiseScaleW
	}
	if body.Speed != nil {
		req.Speed = *body.Speed
	}
	return req, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed body: %w", tts.ErrInvalidRequest, err)
	}
	return nil
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := statusFor(err)
	if errors.Is(err, context.Canceled) {
		h.logger.Debug("request cancelled", slog.String("path", r.URL.Path))
		return
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", slog.String("path", r.URL.Path), slog.Int("status", status), slog.String("error", err.Error()))
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorResponse{Detail: detail})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, tts.ErrInvalidRequest):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, tts.ErrUnknownVoice):
		return http.StatusBadRequest, "Invalid speaker ID"
	case errors.Is(err, tts.ErrInvalidLanguage):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, tts.ErrResourceExhausted):
		return http.StatusServiceUnavailable, "Synthesis capacity exhausted, retry later"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, err.Error()
	default:
		return http.StatusInternalServerError, fmt.Sprintf("Error generating audio: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
