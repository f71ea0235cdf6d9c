package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberchat/relay/internal/config"
	"github.com/emberchat/relay/internal/domain"
	"github.com/emberchat/relay/internal/identity"
	"github.com/emberchat/relay/internal/logging"
	"github.com/emberchat/relay/internal/store"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.InstanceConfig{
		Name:            "postsale",
		PathPrefix:      "/relay/postsale",
		Namespace:       "postsale",
		Bind:            "loopback",
		TokenTTLMinutes: 30,
		Heartbeat:       config.HeartbeatConfig{ReadIdleSeconds: 75, WriteIdleSeconds: 30},
	}

	log := logging.New(nil, "silent")
	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tokens := identity.NewService(store.NewTokenStore(db), cfg.Namespace, 30*time.Minute, log)
	srv := New(cfg, tokens, store.NewHistoryStore(db), store.NewOfflineStore(db), log)

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	ts := httptest.NewServer(withMiddleware(mux, log, nil))
	t.Cleanup(ts.Close)
	return srv, ts
}

func agentCredentials(t *testing.T, srv *Server, appID string) (id, token string) {
	t.Helper()
	id, token, err := srv.tokens.IssueFixed(domain.RoleAgent, appID, "Desk "+appID)
	require.NoError(t, err)
	return id, token
}

func userCredentials(t *testing.T, srv *Server, userID string) (id, token string) {
	t.Helper()
	id = srv.tokens.Identity(domain.RoleUser, userID)
	token, err := srv.tokens.Issue(id, "")
	require.NoError(t, err)
	return id, token
}

func dial(t *testing.T, ts *httptest.Server, identity, role, token, conversation string) *websocket.Conn {
	t.Helper()
	q := url.Values{}
	q.Set("identity", identity)
	q.Set("role", role)
	q.Set("token", token)
	q.Set("conversationId", conversation)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/relay/postsale/ws?" + q.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) domain.ChatMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg domain.ChatMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func sendText(t *testing.T, conn *websocket.Conn, receiver, conversation, content string) {
	t.Helper()
	data, err := EncodeText(domain.ChatMessage{
		ReceiverID:     receiver,
		ConversationID: conversation,
		Content:        content,
		MsgType:        domain.MsgText,
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/relay/postsale/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "postsale", health.Instance)
}

func TestNotFoundEndpoint(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/nonexistent")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIssueTokenEndpoint(t *testing.T) {
	_, ts := testServer(t)

	issue := func(body string) issueTokenResponse {
		resp, err := http.Post(ts.URL+"/relay/postsale/token", "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out issueTokenResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}

	// appId tokens are deterministic across calls
	first := issue(`{"role":"agent","appId":"shop-1","displayName":"Desk 1"}`)
	second := issue(`{"role":"agent","appId":"shop-1"}`)
	assert.Equal(t, first.Token, second.Token)
	assert.Equal(t, "postsale:agent:shop-1", first.Identity)

	// userId tokens are random per call
	u1 := issue(`{"userId":"visitor-9"}`)
	u2 := issue(`{"userId":"visitor-9"}`)
	assert.NotEqual(t, u1.Token, u2.Token)
	assert.Equal(t, "postsale:user:visitor-9", u1.Identity)
}

func TestIssueTokenEndpointRejectsBadRequests(t *testing.T) {
	_, ts := testServer(t)

	for _, body := range []string{
		`{}`,
		`{"role":"system","appId":"x"}`,
		`{"role":"bogus","appId":"x"}`,
		`not json`,
	} {
		resp, err := http.Post(ts.URL+"/relay/postsale/token", "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body: %s", body)
	}
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	_, ts := testServer(t)

	conn := dial(t, ts, "postsale:user:u1", "user", "bogus-token", "conv-1")

	msg := readMsg(t, conn)
	assert.Equal(t, domain.MsgRejectNotice, msg.MsgType)
	assert.Equal(t, domain.SystemSender, msg.SenderID)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "server closes after rejecting")
}

func TestHandshakeRejectsMissingConversation(t *testing.T) {
	srv, ts := testServer(t)
	id, token := userCredentials(t, srv, "u1")

	conn := dial(t, ts, id, "user", token, "")

	msg := readMsg(t, conn)
	assert.Equal(t, domain.MsgRejectNotice, msg.MsgType)
}

func TestConnectAckNoAgentAvailable(t *testing.T) {
	srv, ts := testServer(t)
	id, token := userCredentials(t, srv, "u1")

	conn := dial(t, ts, id, "user", token, "conv-1")

	ack := readMsg(t, conn)
	assert.Equal(t, domain.MsgConnectAck, ack.MsgType)
	assert.Equal(t, "no agent available", ack.Content)
}

func TestLiveDelivery(t *testing.T) {
	srv, ts := testServer(t)
	agentID, agentToken := agentCredentials(t, srv, "shop-1")
	userID, userToken := userCredentials(t, srv, "u1")

	agentConn := dial(t, ts, agentID, "agent", agentToken, "conv-1")
	ack := readMsg(t, agentConn)
	assert.Equal(t, domain.MsgConnectAck, ack.MsgType)
	assert.Equal(t, "connected", ack.Content)

	userConn := dial(t, ts, userID, "user", userToken, "conv-1")
	ack = readMsg(t, userConn)
	assert.Equal(t, domain.MsgConnectAck, ack.MsgType)
	assert.Equal(t, "agent:"+agentID, ack.Content, "user is assigned the live agent")

	sendText(t, userConn, agentID, "conv-1", "hello there")

	got := readMsg(t, agentConn)
	assert.Equal(t, "hello there", got.Content)
	assert.Equal(t, domain.MsgText, got.MsgType)
	assert.Equal(t, userID, got.SenderID, "sender comes from the authenticated connection")
	assert.Equal(t, domain.RoleUser, got.SenderRole)
	assert.NotEmpty(t, got.MsgID)
	assert.False(t, got.SentAt.IsZero())

	confirm := readMsg(t, userConn)
	assert.Equal(t, domain.MsgSystem, confirm.MsgType)
	assert.Equal(t, "delivered:"+got.MsgID, confirm.Content)
}

func TestOfflineEnqueueAndFlushOnReconnect(t *testing.T) {
	srv, ts := testServer(t)
	agentID, agentToken := agentCredentials(t, srv, "shop-1")
	userID, userToken := userCredentials(t, srv, "u1")

	userConn := dial(t, ts, userID, "user", userToken, "conv-1")
	readMsg(t, userConn) // connect-ack

	sendText(t, userConn, agentID, "conv-1", "first")
	notice := readMsg(t, userConn)
	assert.Equal(t, domain.MsgOfflineNotice, notice.MsgType)

	sendText(t, userConn, agentID, "conv-1", "second")
	readMsg(t, userConn)

	// The agent connects and receives the queue in FIFO order, then the ack
	agentConn := dial(t, ts, agentID, "agent", agentToken, "conv-1")
	assert.Equal(t, "first", readMsg(t, agentConn).Content)
	assert.Equal(t, "second", readMsg(t, agentConn).Content)
	assert.Equal(t, domain.MsgConnectAck, readMsg(t, agentConn).MsgType)
	agentConn.Close()

	// A reconnect does not replay already-pushed entries
	agentConn2 := dial(t, ts, agentID, "agent", agentToken, "conv-1")
	assert.Equal(t, domain.MsgConnectAck, readMsg(t, agentConn2).MsgType)
}

func TestReconnectGetsAssignmentAfterAgentArrives(t *testing.T) {
	srv, ts := testServer(t)
	agentID, agentToken := agentCredentials(t, srv, "shop-1")
	userID, userToken := userCredentials(t, srv, "u1")

	userConn := dial(t, ts, userID, "user", userToken, "conv-1")
	ack := readMsg(t, userConn)
	assert.Equal(t, "no agent available", ack.Content)

	agentConn := dial(t, ts, agentID, "agent", agentToken, "conv-1")
	readMsg(t, agentConn)

	// No binding was made, so the disconnect notifies nobody
	userConn.Close()

	// The reconnect is assigned the now-live agent and replays nothing
	userConn2 := dial(t, ts, userID, "user", userToken, "conv-1")
	ack = readMsg(t, userConn2)
	assert.Equal(t, domain.MsgConnectAck, ack.MsgType)
	assert.Equal(t, "agent:"+agentID, ack.Content)

	userConn2.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := userConn2.ReadMessage()
	assert.Error(t, err, "no offline messages are replayed")
}

func TestLastConnectWinsOverWebSocket(t *testing.T) {
	srv, ts := testServer(t)
	agentID, agentToken := agentCredentials(t, srv, "shop-1")
	userID, userToken := userCredentials(t, srv, "u1")

	agentConn := dial(t, ts, agentID, "agent", agentToken, "conv-1")
	readMsg(t, agentConn)

	first := dial(t, ts, userID, "user", userToken, "conv-1")
	readMsg(t, first)

	second := dial(t, ts, userID, "user", userToken, "conv-1")
	readMsg(t, second)

	// The displaced handle is closed by the server
	first.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	// Traffic for the identity reaches the newer connection
	sendText(t, agentConn, userID, "conv-1", "still there?")
	got := readMsg(t, second)
	assert.Equal(t, "still there?", got.Content)
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	srv, ts := testServer(t)
	userID, userToken := userCredentials(t, srv, "u1")

	conn := dial(t, ts, userID, "user", userToken, "conv-1")
	readMsg(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("this is not json")))

	// The connection still routes after the bad frame
	sendText(t, conn, "postsale:agent:nobody", "conv-1", "after garbage")
	notice := readMsg(t, conn)
	assert.Equal(t, domain.MsgOfflineNotice, notice.MsgType)
}

func TestDisconnectNotifiesBoundAgent(t *testing.T) {
	srv, ts := testServer(t)
	agentID, agentToken := agentCredentials(t, srv, "shop-1")
	userID, userToken := userCredentials(t, srv, "u1")

	agentConn := dial(t, ts, agentID, "agent", agentToken, "conv-1")
	readMsg(t, agentConn)

	userConn := dial(t, ts, userID, "user", userToken, "conv-1")
	readMsg(t, userConn) // ack binds the user to the agent

	userConn.Close()

	notice := readMsg(t, agentConn)
	assert.Equal(t, domain.MsgOfflineNotice, notice.MsgType)
	assert.Contains(t, notice.Content, userID)
}

func TestAgentDisconnectBroadcastsToBoundUsers(t *testing.T) {
	srv, ts := testServer(t)
	agentID, agentToken := agentCredentials(t, srv, "shop-1")
	u1ID, u1Token := userCredentials(t, srv, "u1")
	u2ID, u2Token := userCredentials(t, srv, "u2")

	agentConn := dial(t, ts, agentID, "agent", agentToken, "conv-1")
	readMsg(t, agentConn)

	u1Conn := dial(t, ts, u1ID, "user", u1Token, "conv-1")
	ack := readMsg(t, u1Conn)
	require.Equal(t, "agent:"+agentID, ack.Content, "first user binds to the agent")

	u2Conn := dial(t, ts, u2ID, "user", u2Token, "conv-2")
	ack = readMsg(t, u2Conn)
	require.Equal(t, "agent:"+agentID, ack.Content, "second user binds to the agent")

	agentConn.Close()

	// Every user the agent was serving hears about the disconnect
	for _, conn := range []*websocket.Conn{u1Conn, u2Conn} {
		notice := readMsg(t, conn)
		assert.Equal(t, domain.MsgOfflineNotice, notice.MsgType)
		assert.Contains(t, notice.Content, "reassigned")
	}
}

func TestSessionExpiryMidStreamSendsRejectBeforeClose(t *testing.T) {
	srv, ts := testServer(t)
	userID, userToken := userCredentials(t, srv, "u1")

	conn := dial(t, ts, userID, "user", userToken, "conv-1")
	readMsg(t, conn) // connect-ack

	// Invalidate the session while the socket stays up
	require.True(t, srv.tokens.Destroy(userToken))

	sendText(t, conn, "postsale:agent:nobody", "conv-1", "too late")

	notice := readMsg(t, conn)
	assert.Equal(t, domain.MsgRejectNotice, notice.MsgType)
	assert.Equal(t, "session expired", notice.Content)

	// The close frame follows the notice, never precedes it
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected a policy-violation close, got: %v", err)
}

func TestOfflinePullEndpoint(t *testing.T) {
	srv, ts := testServer(t)
	agentID, agentToken := agentCredentials(t, srv, "shop-1")
	userID, userToken := userCredentials(t, srv, "u1")

	userConn := dial(t, ts, userID, "user", userToken, "conv-1")
	readMsg(t, userConn)
	sendText(t, userConn, agentID, "conv-1", "queued for pull")
	readMsg(t, userConn) // offline notice confirms the enqueue

	pull := func() offlinePullResponse {
		resp, err := http.Get(ts.URL + "/relay/postsale/offline?token=" + agentToken + "&conversationId=conv-1")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out offlinePullResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}

	first := pull()
	require.Len(t, first.Messages, 1)
	assert.Equal(t, "queued for pull", first.Messages[0].Content)

	// Pulled entries are marked pushed
	assert.Empty(t, pull().Messages)
}

func TestOfflinePullRequiresValidToken(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/relay/postsale/offline?token=bogus&conversationId=conv-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHistoryEndpoint(t *testing.T) {
	srv, ts := testServer(t)
	agentID, agentToken := agentCredentials(t, srv, "shop-1")
	userID, userToken := userCredentials(t, srv, "u1")

	agentConn := dial(t, ts, agentID, "agent", agentToken, "conv-1")
	readMsg(t, agentConn)
	userConn := dial(t, ts, userID, "user", userToken, "conv-1")
	readMsg(t, userConn)

	sendText(t, userConn, agentID, "conv-1", "for the record")
	readMsg(t, agentConn)

	// History appends are asynchronous
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/relay/postsale/history?token=" + userToken + "&conversationId=conv-1")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var out historyResponse
		if json.NewDecoder(resp.Body).Decode(&out) != nil {
			return false
		}
		return len(out.Messages) == 1 && out.Messages[0].Content == "for the record"
	}, 3*time.Second, 50*time.Millisecond)
}

func TestResolveBindAddr(t *testing.T) {
	tests := []struct {
		bind string
		port int
		want string
	}{
		{"loopback", 9531, "127.0.0.1:9531"},
		{"lan", 9999, "0.0.0.0:9999"},
		{"custom", 3000, "0.0.0.0:3000"},
		{"unknown", 5000, "127.0.0.1:5000"},
	}

	for _, tt := range tests {
		t.Run(tt.bind, func(t *testing.T) {
			addr := resolveBindAddr(config.InstanceConfig{Bind: tt.bind, Port: tt.port})
			assert.Equal(t, tt.want, addr)
		})
	}
}

func TestServerStart(t *testing.T) {
	cfg := config.InstanceConfig{
		Name:            "postsale",
		Port:            0, // let the OS pick
		PathPrefix:      "/relay/postsale",
		Namespace:       "postsale",
		Bind:            "loopback",
		TokenTTLMinutes: 30,
		Heartbeat:       config.HeartbeatConfig{ReadIdleSeconds: 75, WriteIdleSeconds: 30},
	}

	log := logging.New(nil, "silent")
	db, err := store.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tokens := identity.NewService(store.NewTokenStore(db), cfg.Namespace, 30*time.Minute, log)
	srv := New(cfg, tokens, store.NewHistoryStore(db), store.NewOfflineStore(db), log)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	assert.NoError(t, <-errCh)
}
