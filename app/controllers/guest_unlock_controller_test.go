package controllers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postJSON(t *testing.T, app *fiber.App, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestGuestUnlock_MintAndVerify(t *testing.T) {
	gc := NewGuestUnlockController("k")
	app := fiber.New()
	app.Post("/mint", gc.HandleMint)
	app.Post("/verify", gc.HandleVerify)

	status, body := postJSON(t, app, "/mint", map[string]interface{}{"snapshot": map[string]int{"n": 7}})
	require.Equal(t, fiber.StatusOK, status)
	token, ok := body["token"].(string)
	require.True(t, ok)

	status, body = postJSON(t, app, "/verify", map[string]string{"token": token})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, map[string]interface{}{"n": float64(7)}, body["snapshot"])

	status, body = postJSON(t, app, "/verify", map[string]string{"token": token + "x"})
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, false, body["valid"])

	status, _ = postJSON(t, app, "/mint", map[string]interface{}{})
	assert.Equal(t, fiber.StatusBadRequest, status)
}
