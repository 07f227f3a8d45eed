package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/driftboard/driftboard/internal/board"
)

// Client-facing messages, kept stable because clients match on them.
const (
	ErrMessageCooldownActive   = "Cooldown active"
	ErrMessageForbidden        = "Forbidden"
	ErrMessageIPRequired       = "IP required"
	ErrMessageInternalError    = "Server error"
	ErrMessageInvalidBody      = "Invalid request body"
	ErrMessageInvalidName      = "Invalid username format"
	ErrMessageMissingTextOrIP  = "Missing text or IP"
	ErrMessageModerationDenied = "Message rejected by moderation"
	ErrMessageTooLong          = "Message too long"
)

type Server struct {
	adminSecret string
	httpServer  *http.Server
	logger      *logrus.Logger
	router      *mux.Router
	service     *board.Service
	timeNow     func() time.Time
}

func NewServer(logger *logrus.Logger, service *board.Service, adminSecret string, port int) *Server {
	server := &Server{
		adminSecret: adminSecret,
		logger:      logger,
		service:     service,
		timeNow:     func() time.Time { return time.Now() },
	}

	router := mux.NewRouter()
	router.Use((&ContextContainerMiddleware{}).Wrapper)
	router.Use((&CORSMiddleware{}).Wrapper)
	router.Use((&CanonicalLogLineMiddleware{logger: logger}).Wrapper)
	router.Handle("/", server.wrapEndpoint(server.handleIndex)).Methods(http.MethodGet)
	router.Handle("/messages", server.wrapEndpoint(server.handleSendMessage)).Methods(http.MethodPost)
	router.Handle("/messages", server.wrapEndpoint(server.handleLatestMessages)).Methods(http.MethodGet)
	router.Handle("/messages/random", server.wrapEndpoint(server.handleRandomMessage)).Methods(http.MethodGet)
	router.Handle("/admin/messages", server.wrapEndpoint(server.handleAdminExport)).Methods(http.MethodGet)

	server.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,

		// Specified to prevent the "Slowloris" DOS attack, in which an attacker
		// sends many partial requests to exhaust a target server's connections.
		//
		// https://en.wikipedia.org/wiki/Slowloris_(computer_security)
		ReadHeaderTimeout: 5 * time.Second,
	}
	server.router = router

	return server
}

func (s *Server) Start() error {
	s.logger.Infof("Listening on %s", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return xerrors.Errorf("error listening on %s: %w", s.httpServer.Addr, err)
	}

	return nil
}

type sendMessageRequest struct {
	Text   string `json:"text"`
	Sender string `json:"sender"`
	IP     string `json:"ip"`
}

type sendMessageResponse struct {
	Success bool `json:"success"`
}

func (s *Server) handleSendMessage(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, NewServerError(http.StatusBadRequest, ErrMessageInvalidBody)
	}

	if _, err := s.service.Submit(ctx, req.Text, req.Sender, req.IP); err != nil {
		var cooldownErr *board.CooldownError

		switch {
		case errors.Is(err, board.ErrMissingTextOrAddress):
			return nil, NewServerError(http.StatusBadRequest, ErrMessageMissingTextOrIP)
		case errors.Is(err, board.ErrTextTooLong):
			return nil, NewServerError(http.StatusBadRequest, ErrMessageTooLong)
		case errors.Is(err, board.ErrInvalidSenderName):
			return nil, NewServerError(http.StatusBadRequest, ErrMessageInvalidName)
		case errors.Is(err, board.ErrSenderDenied):
			return nil, NewServerError(http.StatusForbidden, ErrMessageForbidden)
		case errors.As(err, &cooldownErr):
			return nil, NewServerError(http.StatusTooManyRequests, ErrMessageCooldownActive)
		case errors.Is(err, board.ErrModerationRejected):
			return nil, NewServerError(http.StatusBadRequest, ErrMessageModerationDenied)
		}

		return nil, err
	}

	return NewServerResponse(http.StatusOK, &sendMessageResponse{Success: true}, nil), nil
}

type latestMessage struct {
	Text             string `json:"text"`
	Sender           string `json:"sender"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

func (s *Server) handleLatestMessages(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	messages, err := s.service.Latest(ctx)
	if err != nil {
		return nil, err
	}

	now := s.timeNow()
	latest := make([]*latestMessage, 0, len(messages))
	for _, message := range messages {
		latest = append(latest, &latestMessage{
			Text:             message.Text,
			Sender:           message.SenderName,
			ExpiresInSeconds: board.ExpiresIn(message, now),
		})
	}

	return NewServerResponse(http.StatusOK, latest, nil), nil
}

type randomMessage struct {
	Text   string `json:"text"`
	Sender string `json:"sender"`
}

type randomMessageEmpty struct {
	Message *randomMessage `json:"message"`
}

func (s *Server) handleRandomMessage(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	senderAddress := r.URL.Query().Get("ip")
	if senderAddress == "" {
		return nil, NewServerError(http.StatusBadRequest, ErrMessageIPRequired)
	}

	message, err := s.service.RandomExcluding(ctx, senderAddress)
	if err != nil {
		return nil, err
	}

	// No qualifying message isn't an error -- the board may simply be empty,
	// or hold only the caller's own messages.
	if message == nil {
		return NewServerResponse(http.StatusOK, &randomMessageEmpty{}, nil), nil
	}

	return NewServerResponse(http.StatusOK, &randomMessage{
		Text:   message.Text,
		Sender: message.SenderName,
	}, nil), nil
}

type exportedMessage struct {
	ID         int64     `json:"id"`
	Text       string    `json:"text"`
	SenderName string    `json:"sender_name"`
	SenderIP   string    `json:"sender_ip"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (s *Server) handleAdminExport(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	// Equal-length constant-time comparison to avoid leaking secret prefixes
	// through response timing. An unset secret refuses everything: there's no
	// such thing as a board whose export is open by default.
	secret := r.URL.Query().Get("secret")
	if s.adminSecret == "" ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(s.adminSecret)) != 1 {
		return nil, NewServerError(http.StatusForbidden, ErrMessageForbidden)
	}

	messages, err := s.service.ExportAll(ctx)
	if err != nil {
		return nil, err
	}

	exported := make([]*exportedMessage, 0, len(messages))
	for _, message := range messages {
		exported = append(exported, &exportedMessage{
			ID:         message.ID,
			Text:       message.Text,
			SenderName: message.SenderName,
			SenderIP:   message.SenderAddress,
			CreatedAt:  message.CreatedAt,
			ExpiresAt:  message.ExpiresAt,
		})
	}

	return NewServerResponse(http.StatusOK, exported, nil), nil
}

func (s *Server) handleIndex(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	return NewServerResponse(http.StatusOK, map[string]string{"status": "ok"}, nil), nil
}

type ServerResponse struct {
	Body       any
	Header     http.Header
	StatusCode int
}

func NewServerResponse(statusCode int, body any, header http.Header) *ServerResponse {
	return &ServerResponse{Body: body, Header: header, StatusCode: statusCode}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) wrapEndpoint(h func(ctx context.Context, r *http.Request) (*ServerResponse, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		writeJSON := func(statusCode int, body any) {
			if ctxContainer, ok := r.Context().Value(contextContainerContextKey{}).(*ContextContainer); ok {
				ctxContainer.StatusCode = statusCode
			}

			w.WriteHeader(statusCode)
			_ = json.NewEncoder(w).Encode(body)
		}

		resp, err := h(r.Context(), r)
		if err != nil {
			var serverErr *ServerError
			if errors.As(err, &serverErr) {
				writeJSON(serverErr.StatusCode, &errorResponse{Error: serverErr.Message})
				return
			}

			// Anything not a ServerError is a dependency or programming
			// failure. Log it for the operator; the client only ever sees the
			// generic message.
			s.logger.WithFields(logrus.Fields{
				"error":       err,
				"http_method": r.Method,
				"http_path":   r.URL.Path,
			}).Errorf("Internal server error: %v", err)

			writeJSON(http.StatusInternalServerError, &errorResponse{Error: ErrMessageInternalError})
			return
		}

		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}

		statusCode := resp.StatusCode
		if statusCode == 0 {
			statusCode = http.StatusOK
		}

		writeJSON(statusCode, resp.Body)
	})
}
