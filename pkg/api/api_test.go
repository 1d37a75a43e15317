package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mew-protocol/mew/pkg/capability"
	"github.com/mew-protocol/mew/pkg/config"
	"github.com/mew-protocol/mew/pkg/envelope"
	mewerr "github.com/mew-protocol/mew/pkg/errors"
	"github.com/mew-protocol/mew/pkg/gateway"
)

func testGateway(t *testing.T) *gateway.Gateway {
	t.Helper()
	def := &config.Space{
		Name: "dev",
		Participants: map[string]config.Participant{
			"alice": {
				Type:         config.ParticipantTypeHuman,
				Capabilities: []capability.Rule{{Kind: "chat"}},
			},
			"bob": {
				Type:         config.ParticipantTypeHuman,
				Capabilities: []capability.Rule{{Kind: "chat"}},
			},
		},
		Tokens: map[string]config.TokenGrant{
			"alice-token": {ParticipantID: "alice"},
			"bob-token":   {ParticipantID: "bob"},
		},
	}
	gw, err := gateway.New([]*config.Space{def}, gateway.Options{})
	require.NoError(t, err)
	return gw
}

func chatEnvelope(t *testing.T, text string) []byte {
	t.Helper()
	env := envelope.New(envelope.KindChat, envelope.ChatPayload{Text: text})
	data, err := env.Marshal()
	require.NoError(t, err)
	return data
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(NewRouter(testGateway(t)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health?space=dev")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health gateway.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Zero(t, health.Participants)
}

func TestHealthUnknownSpace(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(NewRouter(testGateway(t)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health?space=nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), mewerr.ErrSpaceNotFound)
}

func TestInjectMessage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(NewRouter(testGateway(t)))
	defer srv.Close()

	post := func(id, token string, body []byte) *http.Response {
		req, err := http.NewRequest(http.MethodPost,
			srv.URL+"/participants/"+id+"/messages?space=dev", bytes.NewReader(body))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	// Accepted: the response carries the gateway-assigned identity.
	resp := post("alice", "alice-token", chatEnvelope(t, "hello"))
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted injectResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	assert.NotEmpty(t, accepted.ID)
	assert.Equal(t, "accepted", accepted.Status)
	assert.NotEmpty(t, accepted.TS)

	// Missing and foreign tokens.
	resp = post("alice", "", chatEnvelope(t, "x"))
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post("alice", "bob-token", chatEnvelope(t, "x"))
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Capability violations surface as 403.
	denied := envelope.New(envelope.KindMCPRequest, envelope.MCPPayload{Method: "tools/list"})
	data, err := denied.Marshal()
	require.NoError(t, err)
	resp = post("alice", "alice-token", data)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Malformed JSON surfaces as 400.
	resp = post("alice", "alice-token", []byte(`{"protocol":`))
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestParticipantListingAfterInject(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(NewRouter(testGateway(t)))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost,
		srv.URL+"/participants/alice/messages?space=dev", bytes.NewReader(chatEnvelope(t, "hi")))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer alice-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	listResp, err := http.Get(srv.URL + "/participants?space=dev")
	require.NoError(t, err)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	var list []gateway.ParticipantStatus
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "alice", list[0].ID)
	assert.False(t, list[0].Connected)
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + gateway.WebSocketPath + "?space=dev"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	if resp != nil {
		defer resp.Body.Close()
	}
	require.NoError(t, err)
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *envelope.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := envelope.Parse(data)
	require.NoError(t, err)
	return env
}

func TestWebSocketWelcomeAndChat(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(NewRouter(testGateway(t)))
	defer srv.Close()

	ws := dialWS(t, srv, "alice-token")
	defer ws.Close()

	welcome := readEnvelope(t, ws)
	require.Equal(t, envelope.KindSystemWelcome, welcome.Kind)
	var wp envelope.WelcomePayload
	require.NoError(t, welcome.DecodePayload(&wp))
	assert.Equal(t, "alice", wp.You.ID)

	join := readEnvelope(t, ws)
	require.Equal(t, envelope.KindSystemPresence, join.Kind)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, chatEnvelope(t, "round trip")))
	echo := readEnvelope(t, ws)
	require.Equal(t, envelope.KindChat, echo.Kind)
	assert.Equal(t, "alice", echo.From)
	var chat envelope.ChatPayload
	require.NoError(t, echo.DecodePayload(&chat))
	assert.Equal(t, "round trip", chat.Text)
}

func TestWebSocketAuthFailures(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(NewRouter(testGateway(t)))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + gateway.WebSocketPath + "?space=dev"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
