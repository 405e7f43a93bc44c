package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/adwski/chat-relay/backend/model"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultPublishTimeout   = 5 * time.Second
	defaultMaxBodySize      = 64 << 10
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RelayService interface {
	PublishExternally(ctx context.Context, room string, msg model.Message) error
	RoomMembers(room string) (int, error)
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type RoomInfo struct {
	RoomID  string `json:"room_id"`
	Members int    `json:"members"`
}

type Server struct {
	logger zerolog.Logger
	svc    RelayService
	*http.Server
}

type Config struct {
	Logger         *zerolog.Logger
	RelayService   RelayService
	Metrics        http.Handler
	ListenAddr     string
	AllowedOrigins []string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.RelayService,
	}

	r := http.NewServeMux()
	r.HandleFunc("POST /api/rooms/{roomID}/messages", srv.publish)
	r.HandleFunc("GET /api/rooms/{roomID}", srv.room)
	r.HandleFunc("GET /healthz", srv.health)
	if cfg.Metrics != nil {
		r.Handle("GET /metrics", cfg.Metrics)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: true,
		MaxAge:           86400,
	})

	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           c.Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// publish injects a message into a room's live subscribers.
// Persisting the message is up to the caller.
func (srv *Server) publish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, defaultMaxBodySize))
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: err.Error()})
		return
	}
	msg, err := model.ParseMessage(body)
	if err != nil {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: err.Error()})
		return
	}

	roomID := r.PathValue("roomID")
	srv.logger.Trace().Str("roomID", roomID).Msg("got publish request")

	ctx, cancel := context.WithTimeout(r.Context(), defaultPublishTimeout)
	defer cancel()
	err = srv.svc.PublishExternally(ctx, roomID, msg)
	switch {
	case errors.Is(err, model.ErrInvalidRoomID):
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: err.Error()})
	case errors.Is(err, model.ErrPublish):
		srv.writeJSON(w, http.StatusBadGateway, &GenericResponse{Error: model.ErrPublish.Error()})
	case err != nil:
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: ErrUnexpected.Error()})
	default:
		srv.writeJSON(w, http.StatusAccepted, &GenericResponse{Message: "OK"})
	}
}

func (srv *Server) room(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	n, err := srv.svc.RoomMembers(roomID)
	if err != nil {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: RoomInfo{RoomID: roomID, Members: n}})
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error, 1)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
