package middleware_test

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/yingzhisoft/license-server/internal/auth"
	"github.com/yingzhisoft/license-server/internal/data"
	"github.com/yingzhisoft/license-server/internal/middleware"
	"github.com/yingzhisoft/license-server/internal/quota"
	"github.com/yingzhisoft/license-server/internal/tokens"
	"github.com/yingzhisoft/license-server/internal/vault"
)

func testKeyring(t *testing.T) *vault.Keyring {
	t.Helper()
	material := base64.StdEncoding.EncodeToString(make([]byte, 32))
	t.Setenv("MASTER_KEYS", `[{"kid":"mk1","material":"`+material+`"}]`)
	t.Setenv("ACTIVE_MASTER_KID", "mk1")
	k := vault.NewKeyring()
	require.NoError(t, k.LoadFromEnv())
	return k
}

func channelRow(ch *data.Channel) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "channel_code", "name", "api_key", "secret_kid", "secret_nonce", "secret_cipher", "secret_tag",
		"quota_daily", "quota_total", "used_total", "status", "created_at", "updated_at"}).
		AddRow(ch.ID, ch.ChannelCode, ch.Name, ch.APIKey, ch.SecretKID, ch.SecretNonce, ch.SecretCipher, ch.SecretTag,
			ch.QuotaDaily, ch.QuotaTotal, ch.UsedTotal, ch.Status, now, now)
}

func TestChannelAuth(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	keyring := testKeyring(t)
	secret := []byte("channel-secret")
	kid, nonce, cipher, tag, err := keyring.Seal(secret, []byte("channel:CH_A"))
	require.NoError(t, err)

	ch := &data.Channel{
		ID: uuid.New(), ChannelCode: "CH_A", Name: "Acme", APIKey: "key-123",
		SecretKID: kid, SecretNonce: nonce, SecretCipher: cipher, SecretTag: tag,
		Status: data.ChannelActive,
	}

	var gotChannel string
	handler := middleware.NewChannelAuth(data.ChannelModel{DB: db}, keyring).
		Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cc, ok := middleware.GetChannelContext(r.Context())
			require.True(t, ok)
			gotChannel = cc.Channel.ChannelCode
			w.WriteHeader(http.StatusOK)
		}))

	mock.ExpectQuery("SELECT id, channel_code, name, api_key").
		WithArgs("key-123").
		WillReturnRows(channelRow(ch))

	body := []byte(`{"sn":"S1","code":"AC-1"}`)
	ts := fmt.Sprintf("%d", time.Now().Unix())
	sig := auth.ComputeSignature(secret, "POST", "/api/v1/activate", ts, body)

	req := httptest.NewRequest("POST", "/api/v1/activate", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "key-123")
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", sig)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "CH_A", gotChannel)

	// Cached: no second DB hit for the same API key.
	req2 := httptest.NewRequest("POST", "/api/v1/activate", bytes.NewReader(body))
	req2.Header.Set("X-API-Key", "key-123")
	req2.Header.Set("X-Timestamp", ts)
	req2.Header.Set("X-Signature", sig)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChannelAuth_Rejections(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	keyring := testKeyring(t)
	secret := []byte("channel-secret")
	kid, nonce, cipher, tag, err := keyring.Seal(secret, []byte("channel:CH_A"))
	require.NoError(t, err)
	ch := &data.Channel{
		ID: uuid.New(), ChannelCode: "CH_A", Name: "Acme", APIKey: "key-123",
		SecretKID: kid, SecretNonce: nonce, SecretCipher: cipher, SecretTag: tag,
		Status: data.ChannelActive,
	}

	handler := middleware.NewChannelAuth(data.ChannelModel{DB: db}, keyring).
		Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	// Missing API key.
	req := httptest.NewRequest("POST", "/api/v1/activate", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Bad signature.
	mock.ExpectQuery("SELECT id, channel_code, name, api_key").
		WithArgs("key-123").
		WillReturnRows(channelRow(ch))
	req = httptest.NewRequest("POST", "/api/v1/activate", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-API-Key", "key-123")
	req.Header.Set("X-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	req.Header.Set("X-Signature", "deadbeef")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Stale timestamp with an otherwise valid signature.
	stale := fmt.Sprintf("%d", time.Now().Add(-10*time.Minute).Unix())
	sig := auth.ComputeSignature(secret, "POST", "/api/v1/activate", stale, []byte(`{}`))
	req = httptest.NewRequest("POST", "/api/v1/activate", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-API-Key", "key-123")
	req.Header.Set("X-Timestamp", stale)
	req.Header.Set("X-Signature", sig)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJWTAuth(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	mgr := tokens.NewManager("test-secret")
	blacklist := auth.NewRedisBlacklist(rdb)
	jwtAuth := middleware.NewJWTAuth(mgr, blacklist)

	handler := jwtAuth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, ok := middleware.GetAdminContext(r.Context())
		require.True(t, ok)
		require.Equal(t, "ops", ac.Username)
		w.WriteHeader(http.StatusOK)
	}))

	token, err := mgr.GenerateAccessToken("u1", "ops")
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/v1/admin/audit", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// No header.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Refresh token is not an access token.
	refresh, err := mgr.GenerateRefreshToken("u1", "ops")
	require.NoError(t, err)
	req = httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("Authorization", "Bearer "+refresh)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Blacklisted jti is rejected.
	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	require.NoError(t, blacklist.AddToBlacklist(req.Context(), claims.ID, time.Minute))
	req = httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGlobalLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	rl := middleware.NewRateLimitMiddleware(
		quota.NewEnforcer(rdb, "salt"),
		quota.WindowConfig{Limit: 2, Window: time.Minute},
	)
	handler := rl.GlobalLimiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/api/v1/activate", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/activate", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Another IP is unaffected.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/api/v1/activate", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGlobalLimiter_RedisDownFailMode(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rl := middleware.NewRateLimitMiddleware(
		quota.NewEnforcer(rdb, "salt"),
		quota.WindowConfig{Limit: 2, Window: time.Minute},
	)
	mr.Close()

	handler := rl.GlobalLimiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Activation traffic fails open.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/activate", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// Admin auth fails closed.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/admin/auth/login", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
