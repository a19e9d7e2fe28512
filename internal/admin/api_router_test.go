package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/cbeuw/connutil"
	"github.com/linkmux/linkmux/internal/multiplex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeRouter(t *testing.T) (*APIRouter, *multiplex.Session) {
	c, s := connutil.AsyncPipe()
	initiator := multiplex.MakeMultiplexer(c, multiplex.MultiplexerConfig{})
	responder := multiplex.MakeMultiplexer(s, multiplex.MultiplexerConfig{AcceptSessions: true})
	t.Cleanup(func() {
		initiator.Close()
		responder.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := initiator.StartSession(ctx)
	require.NoError(t, err)
	sesh, err := responder.Accept(ctx)
	require.NoError(t, err)

	router := MakeAPIRouter()
	router.Add("peer", responder)
	return router, sesh
}

func serve(router *APIRouter, method, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func TestListConnsHlr(t *testing.T) {
	router, sesh := makeRouter(t)
	rr := serve(router, "GET", "/admin/conns")
	if status := rr.Code; status != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v with body %v, want %v",
			status, rr.Body, http.StatusOK)
	}
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))

	var infos []ConnInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "peer", infos[0].Name)
	assert.Positive(t, infos[0].RxBytes)
	require.Len(t, infos[0].Sessions, 1)
	assert.Equal(t, sesh.ID(), infos[0].Sessions[0].ID)
	assert.Equal(t, "active", infos[0].Sessions[0].State)
}

func TestGetSessionHlr(t *testing.T) {
	router, sesh := makeRouter(t)
	path := "/admin/conns/peer/sessions/" + strconv.Itoa(int(sesh.ID()))

	t.Run("ok", func(t *testing.T) {
		rr := serve(router, "GET", path)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var stats multiplex.SessionStats
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
		assert.Equal(t, sesh.ID(), stats.ID)
		assert.Equal(t, sesh.Version(), stats.Version)
	})

	t.Run("all sessions", func(t *testing.T) {
		rr := serve(router, "GET", "/admin/conns/peer/sessions")
		require.Equal(t, http.StatusOK, rr.Code)
		var stats []multiplex.SessionStats
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
		assert.Len(t, stats, 1)
	})

	t.Run("unknown session", func(t *testing.T) {
		rr := serve(router, "GET", "/admin/conns/peer/sessions/200")
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("id out of range", func(t *testing.T) {
		rr := serve(router, "GET", "/admin/conns/peer/sessions/300")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("unknown conn", func(t *testing.T) {
		rr := serve(router, "GET", "/admin/conns/other/sessions/1")
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestCloseSessionHlr(t *testing.T) {
	router, sesh := makeRouter(t)
	path := "/admin/conns/peer/sessions/" + strconv.Itoa(int(sesh.ID()))

	rr := serve(router, "DELETE", path)
	if status := rr.Code; status != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v with body %v, want %v",
			status, rr.Body, http.StatusOK)
	}
	assert.True(t, sesh.IsClosed())

	rr = serve(router, "DELETE", path)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRemove(t *testing.T) {
	router, _ := makeRouter(t)
	router.Remove("peer")
	rr := serve(router, "GET", "/admin/conns/peer/sessions")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
