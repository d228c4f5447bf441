package http

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tunedive/internal/core"
)

type trackPayload struct {
	ID              string   `json:"id"`
	ProviderTrackID string   `json:"provider_track_id"`
	Title           string   `json:"title"`
	Artists         []string `json:"artists"`
	ThumbnailURL    string   `json:"thumbnail_url,omitempty"`
	DurationMillis  int64    `json:"duration_ms,omitempty"`
}

type playRequest struct {
	// Reference is a pasted track URL, URI or bare id; used when no queue
	// is supplied.
	Reference   string         `json:"reference,omitempty"`
	Track       *trackPayload  `json:"track,omitempty"`
	Index       int            `json:"index"`
	Queue       []trackPayload `json:"queue,omitempty"`
	QueueSource string         `json:"queue_source"`
}

type queueRequest struct {
	Queue       []trackPayload `json:"queue"`
	QueueSource string         `json:"queue_source"`
}

type seekRequest struct {
	PositionMillis int64 `json:"position_ms"`
}

type volumeRequest struct {
	Volume float64 `json:"volume"`
}

type transferRequest struct {
	DeviceID string `json:"device_id"`
	Play     bool   `json:"play"`
}

type likeRequest struct {
	TrackID string `json:"track_id"`
}

type stateResponse struct {
	Track          *trackPayload `json:"track"`
	Index          int           `json:"index"`
	QueueLength    int           `json:"queue_length"`
	QueueSource    string        `json:"queue_source"`
	PlayIntent     bool          `json:"play_intent"`
	Phase          string        `json:"phase"`
	PositionMillis int64         `json:"position_ms"`
	DurationMillis int64         `json:"duration_ms"`
	Volume         float64       `json:"volume"`
	Muted          bool          `json:"muted"`
	Suspended      bool          `json:"suspended"`
	DeviceBound    bool          `json:"device_bound"`
	DeviceID       string        `json:"device_id,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
}

// limited wraps a command handler with method enforcement, per-client rate
// limiting and command metrics.
func (s *Server) limited(op string, handler func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "POST required")
			return
		}

		if s.gate != nil && !s.gate.CheckCommand(clientKey(r)) {
			s.RecordCommand(op, "rate_limited")
			s.writeError(w, http.StatusTooManyRequests, "command rate limit exceeded")
			return
		}

		if err := handler(w, r); err != nil {
			s.RecordCommand(op, "error")
			s.logger.Warn("Player command failed",
				zap.String("op", op),
				zap.Error(err))

			status := http.StatusInternalServerError
			if core.KindOf(err) == core.ErrKindValidation {
				status = http.StatusBadRequest
			}
			s.writeError(w, status, err.Error())
			return
		}

		s.RecordCommand(op, "ok")
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}

	snap, hasTrack := s.player.Snapshot()
	position, duration := s.player.Progress()

	resp := stateResponse{
		Index:          snap.Index,
		QueueLength:    s.player.QueueLength(),
		QueueSource:    snap.QueueSource,
		PlayIntent:     snap.PlayIntent,
		Phase:          s.player.Phase().String(),
		PositionMillis: position.Milliseconds(),
		DurationMillis: duration.Milliseconds(),
		Volume:         snap.Volume,
		Muted:          snap.Muted,
	}
	if hasTrack {
		payload := toTrackPayload(*snap.Track)
		resp.Track = &payload
	}
	if s.continuity != nil {
		resp.Suspended = s.continuity.Suspended()
	}
	if s.device != nil {
		resp.DeviceBound = s.device.Ready()
		resp.DeviceID = s.device.DeviceID()
	}
	if err := s.player.LastDeviceError(); err != nil {
		resp.LastError = core.KindOf(err).String()
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) error {
	var req playRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return core.NewError(core.ErrKindValidation, "invalid play request body")
	}

	// A pasted reference becomes a single-track queue.
	if req.Track == nil && req.Reference != "" {
		trackID, err := s.parser.ExtractTrackID(req.Reference)
		if err != nil {
			return core.NewError(core.ErrKindValidation, "unrecognized track reference")
		}
		req.Track = &trackPayload{
			ID:              trackID,
			ProviderTrackID: trackID,
			Title:           trackID,
		}
		req.Queue = []trackPayload{*req.Track}
		req.Index = 0
		if req.QueueSource == "" {
			req.QueueSource = "reference:" + trackID
		}
	}

	if req.Track == nil {
		return core.NewError(core.ErrKindValidation, "missing track")
	}
	if req.Index < 0 || req.Index >= len(req.Queue) {
		return core.NewError(core.ErrKindValidation, "index out of queue bounds")
	}
	if req.QueueSource == "" {
		return core.NewError(core.ErrKindValidation, "missing queue_source")
	}

	queue := make([]core.Track, len(req.Queue))
	for i, payload := range req.Queue {
		queue[i] = fromTrackPayload(payload)
	}

	s.player.PlayTrack(r.Context(), fromTrackPayload(*req.Track), req.Index, queue, req.QueueSource, nil)
	s.SetQueueLength(len(queue))

	w.WriteHeader(http.StatusAccepted)
	return nil
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) error {
	s.player.TogglePlay(r.Context())
	w.WriteHeader(http.StatusAccepted)
	return nil
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) error {
	s.player.PlayNext(r.Context())
	w.WriteHeader(http.StatusAccepted)
	return nil
}

func (s *Server) handlePrevious(w http.ResponseWriter, r *http.Request) error {
	s.player.PlayPrevious(r.Context())
	w.WriteHeader(http.StatusAccepted)
	return nil
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) error {
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return core.NewError(core.ErrKindValidation, "invalid seek request body")
	}
	if req.PositionMillis < 0 {
		return core.NewError(core.ErrKindValidation, "position must not be negative")
	}

	s.player.SeekTo(r.Context(), time.Duration(req.PositionMillis)*time.Millisecond)
	w.WriteHeader(http.StatusAccepted)
	return nil
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) error {
	var req volumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return core.NewError(core.ErrKindValidation, "invalid volume request body")
	}

	if err := s.player.SetVolume(req.Volume); err != nil {
		return err
	}
	w.WriteHeader(http.StatusAccepted)
	return nil
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) error {
	s.player.Stop(r.Context())
	s.SetQueueLength(0)
	w.WriteHeader(http.StatusAccepted)
	return nil
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) error {
	var req queueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return core.NewError(core.ErrKindValidation, "invalid queue request body")
	}
	if req.QueueSource == "" {
		return core.NewError(core.ErrKindValidation, "missing queue_source")
	}

	queue := make([]core.Track, len(req.Queue))
	for i, payload := range req.Queue {
		queue[i] = fromTrackPayload(payload)
	}

	s.player.SetQueue(queue, req.QueueSource)
	s.SetQueueLength(len(queue))
	w.WriteHeader(http.StatusAccepted)
	return nil
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) error {
	if s.continuity == nil {
		return core.NewError(core.ErrKindValidation, "continuity not available")
	}
	s.continuity.Suspend(r.Context())
	w.WriteHeader(http.StatusAccepted)
	return nil
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) error {
	if s.continuity == nil {
		return core.NewError(core.ErrKindValidation, "continuity not available")
	}
	s.continuity.Resume(r.Context())
	w.WriteHeader(http.StatusAccepted)
	return nil
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) error {
	if s.device == nil {
		return core.NewError(core.ErrKindValidation, "device binding not available")
	}

	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return core.NewError(core.ErrKindValidation, "invalid transfer request body")
	}
	if req.DeviceID == "" {
		return core.NewError(core.ErrKindValidation, "missing device_id")
	}

	if err := s.device.Transfer(r.Context(), req.DeviceID, req.Play); err != nil {
		return err
	}
	w.WriteHeader(http.StatusAccepted)
	return nil
}

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) error {
	if s.likes == nil {
		return core.NewError(core.ErrKindValidation, "likes not available")
	}

	var req likeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return core.NewError(core.ErrKindValidation, "invalid like request body")
	}
	if req.TrackID == "" {
		return core.NewError(core.ErrKindValidation, "missing track_id")
	}

	liked, err := s.likes.ToggleLike(r.Context(), req.TrackID)
	if err != nil {
		return err
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"track_id": req.TrackID,
		"liked":    liked,
	})
	return nil
}

func (s *Server) handleLikeStatuses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	if s.likes == nil {
		s.writeError(w, http.StatusNotFound, "likes not available")
		return
	}

	raw := strings.TrimSpace(r.URL.Query().Get("ids"))
	if raw == "" {
		s.writeError(w, http.StatusBadRequest, "missing ids parameter")
		return
	}

	ids := strings.Split(raw, ",")
	statuses, err := s.likes.LikeStatuses(r.Context(), ids)
	if err != nil {
		s.logger.Warn("Failed to resolve like statuses", zap.Error(err))
		s.writeError(w, http.StatusBadGateway, "failed to resolve like statuses")
		return
	}

	s.writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "history not available")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	entries, err := s.history.RecentlyPlayed(r.Context(), limit)
	if err != nil {
		s.logger.Warn("Failed to read play history", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}

	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		s.logger.Debug("Failed to encode error response", zap.Error(err))
	}
}

func toTrackPayload(track core.Track) trackPayload {
	artists := make([]string, 0, len(track.Artists))
	for _, artist := range track.Artists {
		artists = append(artists, artist.Name)
	}
	return trackPayload{
		ID:              track.ID,
		ProviderTrackID: track.ProviderTrackID,
		Title:           track.Title,
		Artists:         artists,
		ThumbnailURL:    track.ThumbnailURL,
		DurationMillis:  track.DurationHint.Milliseconds(),
	}
}

func fromTrackPayload(payload trackPayload) core.Track {
	artists := make([]core.Artist, 0, len(payload.Artists))
	for _, name := range payload.Artists {
		artists = append(artists, core.Artist{Name: name})
	}
	return core.Track{
		ID:              payload.ID,
		ProviderTrackID: payload.ProviderTrackID,
		Title:           payload.Title,
		Artists:         artists,
		ThumbnailURL:    payload.ThumbnailURL,
		DurationHint:    time.Duration(payload.DurationMillis) * time.Millisecond,
	}
}
