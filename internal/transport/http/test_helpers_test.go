package http

import (
	"bytes"
	"context"
	stdhttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ringlink/ringlink-server/internal/auth"
	"github.com/ringlink/ringlink-server/internal/config"
	"github.com/ringlink/ringlink-server/internal/relay"
	"github.com/ringlink/ringlink-server/internal/service/calls"
	"github.com/ringlink/ringlink-server/internal/service/gate"
	"github.com/ringlink/ringlink-server/internal/store/sqlite"
)

const testJWTSecret = "test-secret"

type testServer struct {
	server *stdhttp.Server
	ts     *httptest.Server
	store  *sqlite.SQLiteStore
	relay  *relay.Relay
	svc    *calls.Service
	jwtCfg *auth.JWTConfig

	aliceID  int64
	bobID    int64
	convID   int64
	strange  int64
	aliceTok string
	bobTok   string
}

// newTestServer builds a full HTTP server over an in-memory store with
// two connected users sharing a direct conversation.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	conv, err := st.CreateDirectConversation(ctx, 1, 2)
	if err != nil {
		t.Fatalf("failed to create conversation: %v", err)
	}
	if err := st.CreateConnection(ctx, 1, 2); err != nil {
		t.Fatalf("failed to create connection: %v", err)
	}

	jwtCfg := &auth.JWTConfig{
		Secret:   []byte(testJWTSecret),
		Issuer:   "test",
		Audience: "test",
		TTL:      time.Hour,
	}

	disabledLogger := zerolog.New(nil)
	rl := relay.New(&disabledLogger)
	svc := calls.New(st, rl, gate.New(st, st), calls.DefaultTTL, &disabledLogger)

	cfg := config.Default()
	cfg.Addr = ":0"
	server := NewServer(svc, rl, jwtCfg, &cfg, &disabledLogger)

	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)

	env := &testServer{
		server:   server,
		ts:       ts,
		store:    st,
		relay:    rl,
		svc:      svc,
		jwtCfg:   jwtCfg,
		aliceID:  1,
		bobID:    2,
		convID:   conv.ID,
		strange:  3,
		aliceTok: makeToken(t, jwtCfg, 1, "alice"),
		bobTok:   makeToken(t, jwtCfg, 2, "bob"),
	}
	return env
}

func makeToken(t *testing.T, cfg *auth.JWTConfig, userID int64, username string) string {
	t.Helper()

	token, err := auth.GenerateToken(cfg, userID, username)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	return token
}

// do runs one authenticated request against the test server's handler.
func (e *testServer) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *stdhttp.Request
	if body != "" {
		req = httptest.NewRequest(method, e.ts.URL+path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, e.ts.URL+path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp := httptest.NewRecorder()
	e.server.Handler.ServeHTTP(resp, req)
	return resp
}
