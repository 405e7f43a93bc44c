package websocket

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/chat-relay/backend/connection"
	"github.com/adwski/chat-relay/backend/model"
	"github.com/adwski/chat-relay/backend/service"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize   = 4096
	defaultWebsocketWriteBufferSize  = 4096
	defaultWebSocketHandshakeTimeout = 3 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	RelayService interface {
		OnConnect(rawRoom string, c service.Conn, w http.ResponseWriter, r *http.Request) error
		OnMessage(ctx context.Context, c service.Conn, raw []byte) error
		OnDisconnect(c service.Conn, code int)
	}

	Config struct {
		Logger         *zerolog.Logger
		RelayService   RelayService
		ListenAddr     string
		AllowedOrigins []string
		Connection     connection.Config
	}

	Server struct {
		svc     RelayService
		ws      *websocket.Upgrader
		connCfg connection.Config
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:  cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:     cfg.RelayService,
		connCfg: cfg.Connection,
	}
	origins := newOriginValidator(cfg.AllowedOrigins, &srv.logger)
	srv.ws = &websocket.Upgrader{
		HandshakeTimeout: defaultWebSocketHandshakeTimeout,
		ReadBufferSize:   defaultWebsocketReadBufferSize,
		WriteBufferSize:  defaultWebsocketWriteBufferSize,
		CheckOrigin:      origins.check,
	}
	srv.connCfg.Upgrader = srv.ws
	srv.connCfg.Logger = &srv.logger

	mux := http.NewServeMux()
	mux.HandleFunc("GET /rooms/{roomID}", srv.chat)
	mux.HandleFunc("GET /ws/chat/{roomID}/{$}", srv.chat)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	// requests and the connections they carry end with ctx
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	errSrv := make(chan error, 1)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
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

func (srv *Server) chat(w http.ResponseWriter, r *http.Request) {
	c := connection.New(srv.connCfg)

	if err := srv.svc.OnConnect(r.PathValue("roomID"), c, w, r); err != nil {
		if errors.Is(err, model.ErrInvalidRoomID) {
			// handshake was not attempted, response is still ours
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		srv.logger.Error().Err(err).Msg("failed to accept connection")
		return
	}
	srv.handleConn(r.Context(), c)
}

// handleConn runs the read loop on the handler goroutine and the write
// loop on its own goroutine until the connection ends.
func (srv *Server) handleConn(ctx context.Context, c *connection.Connection) {
	logger := c.Logger()
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.WriteLoop(ctx)
	}()

	code := websocket.CloseNormalClosure
	for payload, err := range c.Receive() {
		if err != nil {
			logger.Error().Err(err).Msg("unexpected error during receive")
			code = connection.CloseCode(err)
			c.Close(err)
			break
		}
		logger.Trace().Int("size", len(payload)).Msg("frame received")
		if err = srv.svc.OnMessage(ctx, c, payload); err != nil {
			logger.Debug().Err(err).Msg("frame was not relayed")
		}
	}

	srv.svc.OnDisconnect(c, code)
	wg.Wait()
}
