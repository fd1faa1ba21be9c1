package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/ringlink/ringlink-server/internal/auth"
	"github.com/ringlink/ringlink-server/internal/proto"
	"github.com/ringlink/ringlink-server/internal/relay"
	"github.com/ringlink/ringlink-server/internal/service/calls"
	"github.com/ringlink/ringlink-server/internal/utils"
)

// WSHandler upgrades HTTP connections into the push channel: relayed
// envelopes flow out, signal frames flow in.
type WSHandler struct {
	service   *calls.Service
	relay     *relay.Relay
	jwtConfig *auth.JWTConfig
	log       *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(svc *calls.Service, rl *relay.Relay, jwtConfig *auth.JWTConfig, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{service: svc, relay: rl, jwtConfig: jwtConfig, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	claims, err := auth.ValidateToken(h.jwtConfig, r.URL.Query().Get("token"))
	if err != nil {
		h.log.Debug().Err(err).Msg("ws auth rejected")
		stdhttp.Error(w, "invalid token", stdhttp.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	connID := utils.NewID()
	sub := h.relay.Subscribe(claims.UserID)
	defer sub.Close()

	h.log.Info().Int64("user_id", claims.UserID).Str("conn_id", connID).Msg("ws connected")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, claims.UserID, connID)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, sub)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != 0 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Str("conn_id", connID).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, userID int64, connID string) error {
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}

		switch inbound.Type {
		case proto.InboundTypeSignal:
			var data proto.SignalData
			if err := json.Unmarshal(inbound.Data, &data); err != nil {
				if writeErr := h.writeError(ctx, conn, "bad_request", "malformed signal frame"); writeErr != nil {
					return writeErr
				}
				continue
			}
			if err := h.service.RelaySignal(ctx, userID, data.CallID, data.Payload); err != nil {
				h.log.Debug().Err(err).Str("call_id", data.CallID).Str("conn_id", connID).Msg("signal rejected")
				if writeErr := h.writeError(ctx, conn, errorCode(err), err.Error()); writeErr != nil {
					return writeErr
				}
			}
		case proto.InboundTypePing:
			if err := wsjson.Write(ctx, conn, proto.Outbound{Type: proto.OutboundTypePong}); err != nil {
				return err
			}
		default:
			if err := h.writeError(ctx, conn, "invalid_message", "unknown message type"); err != nil {
				return err
			}
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, sub *relay.Subscription) error {
	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				return nil
			}
			out := proto.Outbound{
				Type:  proto.OutboundTypeEvent,
				Event: string(env.Event),
				Data:  env,
			}
			if err := wsjson.Write(ctx, conn, out); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *WSHandler) writeError(ctx context.Context, conn *websocket.Conn, code, msg string) error {
	return wsjson.Write(ctx, conn, proto.Outbound{
		Type:  proto.OutboundTypeError,
		Error: &proto.Error{Code: code, Msg: msg},
	})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, calls.ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, calls.ErrNotParticipant):
		return "forbidden"
	case errors.Is(err, calls.ErrSessionTerminal):
		return "conflict"
	default:
		return "internal"
	}
}
