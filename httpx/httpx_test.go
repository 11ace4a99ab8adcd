package httpx_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Androidown/edgedb/backend"
	"github.com/Androidown/edgedb/catalog"
	"github.com/Androidown/edgedb/compiler"
	"github.com/Androidown/edgedb/exec"
	"github.com/Androidown/edgedb/httpx"
)

type fakeConn struct{ lastState []byte }

func (c *fakeConn) SQLExecute(ctx context.Context, sql [][]byte, state []byte) error { return nil }

func (c *fakeConn) RunDDL(ctx context.Context, unit compiler.QueryUnit, state []byte) (backend.NewTypes, error) {
	return nil, nil
}

func (c *fakeConn) ParseExecuteJSON(ctx context.Context, sql []byte, args map[string]interface{}) ([]byte, error) {
	return nil, nil
}

func (c *fakeConn) LastState() []byte     { return c.lastState }
func (c *fakeConn) SetLastState(s []byte) { c.lastState = s }

type fakePool struct{}

func (fakePool) Acquire(ctx context.Context, db string) (backend.Conn, error) { return &fakeConn{}, nil }
func (fakePool) Release(backend.Conn)                                        {}

type fakeCompiler struct{ calls int }

func (f *fakeCompiler) Compile(ctx context.Context, req compiler.Request) (compiler.CompiledQuery, error) {
	f.calls++
	return compiler.CompiledQuery{
		Group: compiler.QueryUnitGroup{
			Units: []compiler.QueryUnit{{
				SQL:    [][]byte{[]byte("select 1")},
				Status: []byte("SELECT"),
			}},
		},
	}, nil
}

func TestServeHTTPPostRunsQuery(t *testing.T) {
	comp := &fakeCompiler{}
	h := httpx.New(catalog.NewRegistry(), comp, exec.New(fakePool{}, exec.Hooks{}))

	body := strings.NewReader(`{"query":"select 1"}`)
	req := httptest.NewRequest(http.MethodPost, "/mydb/edgeql", body)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Contains(t, out, "data")
	require.Equal(t, 1, comp.calls)
}

func TestServeHTTPGetReusesCompileCache(t *testing.T) {
	comp := &fakeCompiler{}
	h := httpx.New(catalog.NewRegistry(), comp, exec.New(fakePool{}, exec.Hooks{}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/mydb/edgeql?query=select+1", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.Equal(t, 1, comp.calls)
}

func TestServeHTTPRejectsEmptyQuery(t *testing.T) {
	h := httpx.New(catalog.NewRegistry(), &fakeCompiler{}, exec.New(fakePool{}, exec.Hooks{}))

	req := httptest.NewRequest(http.MethodPost, "/mydb/edgeql", strings.NewReader(`{"query":""}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Contains(t, out, "error")
}

func TestServeHTTPRejectsBadPath(t *testing.T) {
	h := httpx.New(catalog.NewRegistry(), &fakeCompiler{}, exec.New(fakePool{}, exec.Hooks{}))

	req := httptest.NewRequest(http.MethodPost, "/not-a-valid-path", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeHTTPRejectsBadMethod(t *testing.T) {
	h := httpx.New(catalog.NewRegistry(), &fakeCompiler{}, exec.New(fakePool{}, exec.Hooks{}))

	req := httptest.NewRequest(http.MethodDelete, "/mydb/edgeql", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
