package middleware

import (
	"bytes"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/yingzhisoft/license-server/internal/auth"
	"github.com/yingzhisoft/license-server/internal/data"
	"github.com/yingzhisoft/license-server/internal/vault"
)

const maxSignedBodyBytes = 1 << 20 // 1MB

// ChannelAuth authenticates device-facing requests: the X-API-Key header
// identifies the channel, and X-Signature/X-Timestamp carry an HMAC over the
// request made with the channel secret. Lookups are cached briefly so a busy
// channel does not hammer the channels table on every activation.
type ChannelAuth struct {
	channels data.ChannelModel
	vault    *vault.Keyring
	cache    *expirable.LRU[string, *data.Channel]
}

func NewChannelAuth(channels data.ChannelModel, keyring *vault.Keyring) *ChannelAuth {
	return &ChannelAuth{
		channels: channels,
		vault:    keyring,
		cache:    expirable.NewLRU[string, *data.Channel](512, nil, 30*time.Second),
	}
}

func (m *ChannelAuth) lookup(r *http.Request, apiKey string) (*data.Channel, error) {
	if ch, ok := m.cache.Get(apiKey); ok {
		return ch, nil
	}
	ch, err := m.channels.GetByAPIKey(r.Context(), apiKey)
	if err != nil {
		return nil, err
	}
	m.cache.Add(apiKey, ch)
	return ch, nil
}

// Middleware rejects before any handler runs; handlers downstream can assume
// a live, signature-verified channel in the context.
func (m *ChannelAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ch, err := m.lookup(r, apiKey)
		if err != nil {
			if !errors.Is(err, data.ErrChannelNotFound) {
				log.Printf("channel lookup failed: %v", err)
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if ch.Status != data.ChannelActive {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		// Body must be read to verify the signature; restore it afterwards.
		body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes+1))
		if err != nil || len(body) > maxSignedBodyBytes {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		secret, err := m.vault.Open(ch.SecretKID, ch.SecretNonce, ch.SecretCipher, ch.SecretTag, []byte("channel:"+ch.ChannelCode))
		if err != nil {
			log.Printf("channel secret unseal failed for %s: %v", ch.ChannelCode, err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		err = auth.VerifyChannelSignature(secret,
			r.Method, r.URL.Path,
			r.Header.Get("X-Timestamp"), r.Header.Get("X-Signature"),
			body, time.Now())
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, auth.ErrStaleRequest) {
				status = http.StatusBadRequest
			}
			http.Error(w, http.StatusText(status), status)
			return
		}

		ctx := WithChannelContext(r.Context(), &ChannelContext{Channel: ch})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
