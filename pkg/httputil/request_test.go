package httputil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	var dest struct {
		Name string `json:"name"`
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"geo"}`))
	require.NoError(t, ParseJSON(r, &dest))
	assert.Equal(t, "geo", dest.Name)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"geo","extra":1}`))
	assert.Error(t, ParseJSON(r, &dest))

	w := httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	assert.False(t, ParseJSONOrError(w, r, &dest))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReadBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("12345")))
	data, err := ReadBody(r, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("12345"), data)

	r = httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("123456")))
	_, err = ReadBody(r, 5)
	assert.ErrorContains(t, err, "exceeds 5 bytes")
}

func TestParsePathString(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/plugins/geo", nil)
	r = mux.SetURLVars(r, map[string]string{"name": "geo"})
	name, err := ParsePathString(r, "name")
	require.NoError(t, err)
	assert.Equal(t, "geo", name)

	w := httptest.NewRecorder()
	_, ok := ParsePathStringOrError(w, r, "missing")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?limit=20&name=geo&bad=x", nil)

	v, err := ParseQueryInt(r, "limit", 5)
	require.NoError(t, err)
	assert.Equal(t, 20, v)

	v, err = ParseQueryInt(r, "offset", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	_, err = ParseQueryInt(r, "bad", 0)
	assert.Error(t, err)

	assert.Equal(t, "geo", ParseQueryString(r, "name", "x"))
	assert.Equal(t, "x", ParseQueryString(r, "other", "x"))
}
