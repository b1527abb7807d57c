package broadcast

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/metricssvc"
	"github.com/R3E-Network/document-pipeline-core/internal/pipeline/store/memory"
)

var testSecret = []byte("test-signing-secret")

func signToken(t *testing.T, permissions string) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "operator-1"},
		Permissions:      permissions,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	db := memory.New()
	hub := New(testSecret, metricssvc.New(db), nil, 50*time.Millisecond)
	srv := httptest.NewServer(http.HandlerFunc(hub.Upgrade))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dialWithToken(t *testing.T, srv *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	u, err := url.Parse(wsURL)
	require.NoError(t, err)
	return websocket.DefaultDialer.Dial(u.String(), header)
}

func TestUpgradeRejectsMissingToken(t *testing.T) {
	_, srv := newTestHub(t)
	_, resp, err := dialWithToken(t, srv, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUpgradeRejectsMissingPermission(t *testing.T) {
	_, srv := newTestHub(t)
	token := signToken(t, "documents:read")
	conn, _, err := dialWithToken(t, srv, token)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestUpgradeAcceptsValidTokenAndSendsSnapshot(t *testing.T) {
	hub, srv := newTestHub(t)
	token := signToken(t, "monitoring:read")
	conn, _, err := dialWithToken(t, srv, token)
	require.NoError(t, err)
	defer conn.Close()

	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "initial_data", frame.Type)

	require.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestEmitDeliversToSubscriber(t *testing.T) {
	hub, srv := newTestHub(t)
	token := signToken(t, "monitoring:read")
	conn, _, err := dialWithToken(t, srv, token)
	require.NoError(t, err)
	defer conn.Close()

	var initial Frame
	require.NoError(t, conn.ReadJSON(&initial))

	hub.Emit("stage_completed", map[string]any{"document_id": "doc-1", "stage": "upload"})

	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "stage_completed", frame.Type)
}
