package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/ringlink/ringlink-server/internal/peer"
	"github.com/ringlink/ringlink-server/internal/proto"
	"github.com/ringlink/ringlink-server/internal/relay"
)

func main() {
	if err := run(); err != nil {
		log.Printf("callclient: %v", err)
		os.Exit(1)
	}
}

func run() error {
	server := flag.String("server", "http://localhost:8080", "server base URL")
	token := flag.String("token", "", "JWT token")
	conversation := flag.Int64("conversation", 0, "conversation to call (caller mode); omit to wait for calls")
	callType := flag.String("type", "audio", "call type (audio or video)")
	stun := flag.String("stun", "stun:stun.l.google.com:19302", "STUN server")
	flag.Parse()

	if *token == "" {
		return errors.New("-token is required")
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	wsURL := strings.Replace(*server, "http", "ws", 1) + "/ws?token=" + *token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel)
	client := &callClient{
		api:    &apiClient{base: *server, token: *token},
		stun:   *stun,
		video:  *callType == "video",
		logger: &logger,
	}

	if *conversation != 0 {
		session, err := client.api.requestCall(ctx, *conversation, *callType)
		if err != nil {
			return fmt.Errorf("request call: %w", err)
		}
		fmt.Printf("calling conversation %d (call %s), waiting for answer...\n", *conversation, session.ID)
		if err := client.startCoordinator(ctx, session.ID, peer.RoleCaller); err != nil {
			return err
		}
	} else {
		fmt.Println("waiting for incoming calls. Commands: accept, decline, hangup, mute, camera. Ctrl+C to exit.")
	}

	go func() {
		defer cancel()
		client.readLoop(ctx, conn)
	}()

	client.commandLoop(ctx, cancel)

	client.hangupActive(ctx)
	stop()
	return nil
}

// callClient drives one negotiation coordinator at a time from relayed
// envelopes and stdin commands.
type callClient struct {
	api    *apiClient
	stun   string
	video  bool
	logger *zerolog.Logger

	mu       sync.Mutex
	callID   string
	incoming string
	coord    *peer.Coordinator
}

// startCoordinator builds the pion-backed negotiation context for a
// call. When this machine cannot negotiate, an incoming call is
// declined at the session level before ErrUnavailable comes back.
func (c *callClient) startCoordinator(ctx context.Context, callID string, role peer.Role) error {
	factory := func() (peer.NegotiationContext, error) {
		return peer.NewPionContext([]string{c.stun}, c.video)
	}
	var decliner peer.Decliner
	if role == peer.RoleCallee {
		decliner = c.api
	}

	coord, err := peer.Start(ctx, callID, role, factory, nil, c.api, decliner, c.logger)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.callID = callID
	c.coord = coord
	c.mu.Unlock()
	return nil
}

func (c *callClient) active() (*peer.Coordinator, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coord, c.callID
}

func (c *callClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var outbound proto.Outbound
		if err := wsjson.Read(ctx, conn, &outbound); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			log.Printf("read error: %v", err)
			return
		}

		if outbound.Type == proto.OutboundTypeError {
			log.Printf("server error: %s: %s", outbound.Error.Code, outbound.Error.Msg)
			continue
		}
		if outbound.Type != proto.OutboundTypeEvent {
			continue
		}

		raw, err := json.Marshal(outbound.Data)
		if err != nil {
			log.Printf("marshal outbound data: %v", err)
			continue
		}
		var env relay.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("unmarshal envelope: %v", err)
			continue
		}

		c.handleEnvelope(ctx, env)
	}
}

func (c *callClient) handleEnvelope(ctx context.Context, env relay.Envelope) {
	switch env.Event {
	case relay.EventRequest:
		c.mu.Lock()
		c.incoming = env.CallID
		c.mu.Unlock()
		fmt.Printf("incoming call %s from user %d: type 'accept' or 'decline'\n", env.CallID, env.FromUserID)
		return
	case relay.EventDecline:
		fmt.Println("call declined")
	case relay.EventEnd:
		fmt.Println("call ended by peer")
	case relay.EventAccept:
		fmt.Println("call answered, negotiating...")
	}

	coord, callID := c.active()
	if coord == nil || env.CallID != callID {
		return
	}
	if err := coord.HandleEnvelope(ctx, env); err != nil {
		log.Printf("negotiation error: %v", err)
	}
}

func (c *callClient) commandLoop(ctx context.Context, cancel context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch strings.TrimSpace(scanner.Text()) {
		case "accept":
			c.acceptIncoming(ctx)
		case "decline":
			c.declineIncoming(ctx)
		case "hangup":
			c.hangupActive(ctx)
		case "mute":
			if coord, _ := c.active(); coord != nil {
				fmt.Printf("muted=%v\n", coord.ToggleAudio())
			}
		case "camera":
			if coord, _ := c.active(); coord != nil {
				fmt.Printf("camera_off=%v\n", coord.ToggleVideo())
			}
		case "quit", "exit":
			cancel()
			return
		}
	}
}

func (c *callClient) acceptIncoming(ctx context.Context) {
	c.mu.Lock()
	callID := c.incoming
	c.incoming = ""
	c.mu.Unlock()
	if callID == "" {
		fmt.Println("no incoming call")
		return
	}

	if err := c.startCoordinator(ctx, callID, peer.RoleCallee); err != nil {
		if errors.Is(err, peer.ErrUnavailable) {
			log.Printf("negotiation unavailable, call declined: %v", err)
			return
		}
		log.Printf("start negotiation: %v", err)
		return
	}

	coord, _ := c.active()
	if err := coord.Answering(); err != nil {
		log.Printf("answering: %v", err)
		return
	}
	if _, err := c.api.transition(ctx, callID, "accept"); err != nil {
		log.Printf("accept: %v", err)
		return
	}
	fmt.Println("accepted, waiting for offer...")
}

func (c *callClient) declineIncoming(ctx context.Context) {
	c.mu.Lock()
	callID := c.incoming
	c.incoming = ""
	c.mu.Unlock()
	if callID == "" {
		fmt.Println("no incoming call")
		return
	}
	if _, err := c.api.transition(ctx, callID, "decline"); err != nil {
		log.Printf("decline: %v", err)
	}
}

func (c *callClient) hangupActive(ctx context.Context) {
	coord, callID := c.active()
	if coord == nil {
		return
	}
	coord.Hangup()
	if _, err := c.api.transition(ctx, callID, "end"); err != nil {
		log.Printf("end: %v", err)
	}
}

// apiClient talks to the REST surface and doubles as the coordinator's
// signal sink.
type apiClient struct {
	base  string
	token string
}

type sessionResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (a *apiClient) requestCall(ctx context.Context, conversationID int64, callType string) (*sessionResponse, error) {
	body := fmt.Sprintf(`{"conversation_id":%d,"type":%q}`, conversationID, callType)
	return a.post(ctx, "/api/calls", body)
}

// Decline implements peer.Decliner.
func (a *apiClient) Decline(ctx context.Context, callID string) error {
	_, err := a.transition(ctx, callID, "decline")
	return err
}

func (a *apiClient) transition(ctx context.Context, callID, action string) (*sessionResponse, error) {
	return a.post(ctx, "/api/calls/"+callID+"/"+action, "")
}

// SendSignal implements peer.Signaler over the REST signal endpoint.
func (a *apiClient) SendSignal(ctx context.Context, callID string, payload peer.Payload) error {
	data, err := payload.Encode()
	if err != nil {
		return err
	}
	body := fmt.Sprintf(`{"payload":%s}`, data)
	_, err = a.post(ctx, "/api/calls/"+callID+"/signal", body)
	return err
}

func (a *apiClient) post(ctx context.Context, path, body string) (*sessionResponse, error) {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var session sessionResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &session); err != nil {
			return nil, err
		}
	}
	return &session, nil
}
