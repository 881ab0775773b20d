//go:build small_tests || all_tests

package mcpserver

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"
)

func TestHandleFunctionURL(t *testing.T) {
	t.Run("HandlesLowercaseHeaders", func(t *testing.T) {
		f := newServerFixture(t, "all")

		resp, err := f.server.HandleFunctionURL(f.ctx, events.LambdaFunctionURLRequest{
			Headers: map[string]string{"authorization": "Bearer " + testToken},
			Body:    string(requestBody(t, 1, "tools/list", nil)),
		})

		assert.NilError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Headers["Content-Type"])
		assert.Assert(t, is.Contains(resp.Body, "get_routing_prompt"))
	})

	t.Run("DecodesBase64Body", func(t *testing.T) {
		f := newServerFixture(t, "all")
		body := requestBody(t, 1, "ping", nil)

		resp, err := f.server.HandleFunctionURL(f.ctx, events.LambdaFunctionURLRequest{
			Headers:         map[string]string{"x-api-key": testToken},
			Body:            base64.StdEncoding.EncodeToString(body),
			IsBase64Encoded: true,
		})

		assert.NilError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, resp.Body)
	})

	t.Run("InvalidBase64IsParseError", func(t *testing.T) {
		f := newServerFixture(t, "all")

		resp, err := f.server.HandleFunctionURL(f.ctx, events.LambdaFunctionURLRequest{
			Headers:         map[string]string{"x-api-key": testToken},
			Body:            "%%%not base64",
			IsBase64Encoded: true,
		})

		assert.NilError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		reply := &rpcReply{}
		assert.NilError(t, json.Unmarshal([]byte(resp.Body), reply))
		assert.Equal(t, CodeParseError, reply.Error.Code)
	})

	t.Run("MissingAuthIsUnauthorized", func(t *testing.T) {
		f := newServerFixture(t, "all")

		resp, err := f.server.HandleFunctionURL(f.ctx, events.LambdaFunctionURLRequest{
			Body: string(requestBody(t, 1, "ping", nil)),
		})

		assert.NilError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestRouter(t *testing.T) {
	t.Run("ServesMcp", func(t *testing.T) {
		f := newServerFixture(t, "all")
		req := httptest.NewRequest(
			http.MethodPost,
			"/mcp",
			bytes.NewReader(requestBody(t, 1, "ping", nil)),
		)
		req.Header.Set("Authorization", "Bearer "+testToken)
		rec := httptest.NewRecorder()

		f.server.Router().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.Equal(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, rec.Body.String())
		assert.Assert(t, is.Contains(f.logs.String(), `"path":"/mcp"`))
	})

	t.Run("NotificationHasEmptyBody", func(t *testing.T) {
		f := newServerFixture(t, "all")
		req := httptest.NewRequest(
			http.MethodPost,
			"/mcp",
			bytes.NewReader(requestBody(t, nil, "notifications/initialized", nil)),
		)
		req.Header.Set("Authorization", "Bearer "+testToken)
		rec := httptest.NewRecorder()

		f.server.Router().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, 0, rec.Body.Len())
	})

	t.Run("OversizedBodyIsRejected", func(t *testing.T) {
		f := newServerFixture(t, "all")
		req := httptest.NewRequest(
			http.MethodPost,
			"/mcp",
			bytes.NewReader(make([]byte, MaxRequestBodySize+10)),
		)
		req.Header.Set("Authorization", "Bearer "+testToken)
		rec := httptest.NewRecorder()

		f.server.Router().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("Health", func(t *testing.T) {
		f := newServerFixture(t, "all")
		rec := httptest.NewRecorder()

		f.server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, `{"status":"ok"}`+"\n", rec.Body.String())
	})

	t.Run("GetOnMcpIsMethodNotAllowed", func(t *testing.T) {
		f := newServerFixture(t, "all")
		rec := httptest.NewRecorder()

		f.server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp", nil))

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}
