package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront/internal/model"
)

func TestVerifyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/auth/verify", r.URL.Path)
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"user":    map[string]string{"id": "u1", "name": "Marat"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	userID, name, err := c.VerifyToken(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
	assert.Equal(t, "Marat", name)
}

func TestVerifyTokenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, _, err := NewClient(srv.URL).VerifyToken(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrRejected)
}

func TestServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).ListOrders(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNetworkErrorIsUnavailable(t *testing.T) {
	// Порт закрыт — соединение откажет
	c := NewClient("http://127.0.0.1:1")
	_, err := c.ListOrders(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestListOrders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/orders/user/u1", r.URL.Path)
		json.NewEncoder(w).Encode([]model.Order{
			{ID: "o1", UserID: "u1", Status: model.OrderStatusPacked},
		})
	}))
	defer srv.Close()

	orders, err := NewClient(srv.URL).ListOrders(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, model.OrderStatusPacked, orders[0].Status)
}

func TestRegisterPushToken(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/users/register-push-token", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).RegisterPushToken(context.Background(), "u1", "sub-json")
	require.NoError(t, err)
	assert.Equal(t, "u1", got["user_id"])
	assert.Equal(t, "sub-json", got["token"])
	assert.Equal(t, "webpush", got["platform"])
}

func TestDisabledClientIsNoop(t *testing.T) {
	c := NewClient("")
	ctx := context.Background()

	userID, _, err := c.VerifyToken(ctx, "tok")
	require.NoError(t, err)
	assert.Empty(t, userID)

	orders, err := c.ListOrders(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, orders)

	assert.NoError(t, c.RegisterPushToken(ctx, "u1", "tok"))
	assert.NoError(t, c.SendTestNotification(ctx, "u1", "t", "m"))
}
