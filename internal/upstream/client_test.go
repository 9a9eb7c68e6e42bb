package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOdoo serves the two JSON-RPC services the client uses.
func fakeOdoo(t *testing.T, uid int, handler func(model, method string, args []interface{}) (interface{}, map[string]interface{})) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/jsonrpc", r.URL.Path)
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		service := req.Params["service"].(string)
		method := req.Params["method"].(string)
		args := req.Params["args"].([]interface{})

		var result interface{}
		var rpcErr map[string]interface{}
		switch {
		case service == "common" && method == "authenticate":
			result = uid
		case service == "object" && method == "execute_kw":
			model := args[3].(string)
			objMethod := args[4].(string)
			result, rpcErr = handler(model, objMethod, args)
		default:
			t.Fatalf("unexpected rpc %s/%s", service, method)
		}

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestExecuteKwAuthenticatesOnceAndCaches(t *testing.T) {
	srv := fakeOdoo(t, 42, func(model, method string, args []interface{}) (interface{}, map[string]interface{}) {
		// The execute_kw envelope carries db, uid, password ahead of the call.
		assert.Equal(t, "testdb", args[0])
		assert.Equal(t, float64(42), args[1])
		return []interface{}{}, nil
	})
	defer srv.Close()

	client, err := NewJSONRPCClient(Config{URL: srv.URL, Database: "testdb", User: "u", Password: "p"})
	require.NoError(t, err)

	_, err = client.ExecuteKw(context.Background(), "res.partner", "search_read", nil, nil)
	require.NoError(t, err)
	_, err = client.ExecuteKw(context.Background(), "res.partner", "search_read", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, client.uid)
}

func TestExecuteKwMapsUpstreamError(t *testing.T) {
	srv := fakeOdoo(t, 7, func(model, method string, args []interface{}) (interface{}, map[string]interface{}) {
		return nil, map[string]interface{}{
			"code":    200,
			"message": "Odoo Server Error",
			"data": map[string]interface{}{
				"name":    "odoo.exceptions.AccessError",
				"message": "not allowed to access field 'margin'",
				"debug":   "Traceback ...",
			},
		}
	})
	defer srv.Close()

	client, err := NewJSONRPCClient(Config{URL: srv.URL, Database: "db", User: "u", Password: "p"})
	require.NoError(t, err)

	_, err = client.ExecuteKw(context.Background(), "account.move", "search_read", nil, nil)
	require.Error(t, err)
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "odoo.exceptions.AccessError", ue.Name)
	assert.Contains(t, ue.Message, "margin")
}

func TestAuthenticationRejected(t *testing.T) {
	srv := fakeOdoo(t, 0, nil) // uid 0 = bad credentials
	defer srv.Close()

	client, err := NewJSONRPCClient(Config{URL: srv.URL, Database: "db", User: "u", Password: "bad"})
	require.NoError(t, err)

	_, err = client.ExecuteKw(context.Background(), "res.partner", "search_read", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication rejected")
}

func TestTransportFailureIsUpstreamUnavailable(t *testing.T) {
	client, err := NewJSONRPCClient(Config{URL: "http://127.0.0.1:1", Database: "db", User: "u", Password: "p", Timeout: "200ms"})
	require.NoError(t, err)

	_, err = client.ExecuteKw(context.Background(), "res.partner", "search_read", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream unreachable")
}

func TestNewJSONRPCClientValidation(t *testing.T) {
	_, err := NewJSONRPCClient(Config{})
	assert.Error(t, err)

	_, err = NewJSONRPCClient(Config{URL: "http://x", Timeout: "soon"})
	assert.Error(t, err)
}
