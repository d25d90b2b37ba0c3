package protocol

import "time"

// TTSRequest asks for one utterance. Omitted synthesis parameters take the
// server defaults.
type TTSRequest struct {
	RequestID   string   `json:"request_id,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	Target      string   `json:"target,omitempty"`
	Text        string   `json:"text"`
	VoiceID     string   `json:"voice_id"`
	SampleRate  int      `json:"sr,omitempty"`
	SDPRatio    *float64 `json:"sdp_ratio,omitempty"`
	NoiseScale  *float64 `json:"noise_scale,omitempty"`
	NoiseScaleW *float64 `json:"noise_scale_w,omitempty"`
	Speed       *float64 `json:"speed,omitempty"`
}

// AudioChunk carries one slice of an encoded WAV payload. Concatenating
// the Data of every chunk of a request in Sequence order yields the file.
type AudioChunk struct {
	RequestID  string `json:"request_id"`
	SessionID  string `json:"session_id,omitempty"`
	Target     string `json:"target,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Sequence   int    `json:"sequence"`
	Data       []byte `json:"data"`
	Final      bool   `json:"final"`
}

// TTSStatus reports the end of a request, successful or not.
type TTSStatus struct {
	RequestID             string    `json:"request_id"`
	SessionID             string    `json:"session_id,omitempty"`
	Target                string    `json:"target,omitempty"`
	Completed             bool      `json:"completed"`
	Error                 string    `json:"error,omitempty"`
	Code                  string    `json:"code,omitempty"`
	CacheHit              bool      `json:"cache_hit"`
	Language              string    `json:"language,omitempty"`
	Bytes                 int       `json:"bytes"`
	Chunks                int       `json:"chunks"`
	GenerationTimeSeconds float64   `json:"generation_time_seconds"`
	Timestamp             time.Time `json:"timestamp"`
}

type LanguageSwitchRequest struct {
	Language string `json:"language"`
}

type LanguageSwitchResponse struct {
	Status            string   `json:"status,omitempty"`
	AvailableSpeakers []string `json:"available_speakers,omitempty"`
	Error             string   `json:"error,omitempty"`
	Code              string   `json:"code,omitempty"`
}

type SpeakersResponse struct {
	AvailableSpeakers []string `json:"available_speakers,omitempty"`
	Error             string   `json:"error,omitempty"`
	Code              string   `json:"code,omitempty"`
}

const (
	SubjectTTSRequest     = "tts.request"
	SubjectTTSAudio       = "tts.audio"
	SubjectTTSDone        = "tts.done"
	SubjectLanguageSwitch = "tts.language.switch"
	SubjectSpeakers       = "tts.speakers"
)
