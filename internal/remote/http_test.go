package remote

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *Registry) {
	t.Helper()
	reg := NewRegistry()
	h := NewHandlers(reg, func(u, p string) bool { return u == "hq" && p == "secret" }, nil)
	router := mux.NewRouter()
	h.Register(router)
	return httptest.NewServer(router), reg
}

func TestRegisterRequiresBasicAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/remotes", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRegisterAndDeregister(t *testing.T) {
	srv, reg := newTestServer(t)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/remotes", bytes.NewBufferString(`{"id":"r1","name":"laptop","url":"http://x","token":"tok"}`))
	require.NoError(t, err)
	req.SetBasicAuth("hq", "secret")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, ok := reg.Get("r1")
	assert.True(t, ok)

	del, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/remotes/r1", nil)
	require.NoError(t, err)
	del.SetBasicAuth("hq", "secret")
	delResp, err := http.DefaultClient.Do(del)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)

	_, ok = reg.Get("r1")
	assert.False(t, ok)
}
