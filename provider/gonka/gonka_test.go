package gonka

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/voxmeter"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestBech32Encode_EmptyData(t *testing.T) {
	got, err := bech32Encode("a", nil)
	require.NoError(t, err)
	assert.Equal(t, "a12uel5l", got)
}

func TestParsePrivateKey(t *testing.T) {
	_, err := parsePrivateKey(testKey)
	require.NoError(t, err)

	_, err = parsePrivateKey("0x" + testKey)
	require.NoError(t, err)

	for _, bad := range []string{"zz", "abcd", strings.Repeat("00", 32)} {
		_, err := parsePrivateKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestAddressOf(t *testing.T) {
	key, err := parsePrivateKey(testKey)
	require.NoError(t, err)

	addr, err := addressOf(key.PubKey())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(addr, "gonka1"), addr)
	// 20-byte hash: 32 data groups plus a 6-character checksum.
	assert.Len(t, addr, len("gonka1")+32+6)

	again, err := addressOf(key.PubKey())
	require.NoError(t, err)
	assert.Equal(t, addr, again)
}

func TestSigner_SignatureVerifies(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	node := "gonka1nodeaddr"

	var gotAuth, gotTS, gotRequester string
	var gotBody []byte
	base := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		gotAuth = r.Header.Get("Authorization")
		gotTS = r.Header.Get("X-Timestamp")
		gotRequester = r.Header.Get("X-Requester-Address")
		gotBody, _ = io.ReadAll(r.Body)
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("{}"))}, nil
	})

	s, err := newSigner(base, testKey, node, func() time.Time { return now })
	require.NoError(t, err)

	body := `{"model":"m","messages":[{"role":"user","content":"hi"}]}`
	req, err := http.NewRequest(http.MethodPost, "https://node.test/v1/chat/completions", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer ignored")

	resp, err := s.RoundTrip(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, body, string(gotBody))
	assert.Equal(t, "1748736000000000000", gotTS)
	assert.Equal(t, s.requester, gotRequester)
	assert.NotContains(t, gotAuth, "Bearer")

	raw, err := base64.StdEncoding.DecodeString(gotAuth)
	require.NoError(t, err)
	require.Len(t, raw, 64)

	var r, sc secp256k1.ModNScalar
	r.SetByteSlice(raw[:32])
	sc.SetByteSlice(raw[32:])

	bodyHash := sha256.Sum256(gotBody)
	digest := sha256.Sum256([]byte(hex.EncodeToString(bodyHash[:]) + gotTS + node))
	assert.True(t, ecdsa.NewSignature(&r, &sc).Verify(digest[:], s.key.PubKey()))
}

func TestSign_Deterministic(t *testing.T) {
	key, err := parsePrivateKey(testKey)
	require.NoError(t, err)

	a := sign(key, []byte("body"), 42, "gonka1node")
	b := sign(key, []byte("body"), 42, "gonka1node")
	c := sign(key, []byte("body"), 43, "gonka1node")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Endpoint{URL: "https://node.test/v1"}, testKey)
	assert.Error(t, err)

	_, err = New(Endpoint{URL: "https://node.test/v1", Address: "gonka1node"}, "not-hex")
	assert.Error(t, err)
}

func TestProvider_EnrichIsSigned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Requester-Address"))
		assert.NotEmpty(t, r.Header.Get("X-Timestamp"))
		assert.False(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer"))
		_, _ = w.Write([]byte(`{"model":"qwen","choices":[{"message":{"content":"tidy"}}],"usage":{"total_tokens":12}}`))
	}))
	defer srv.Close()

	p, err := FromConfig(voxmeter.ProviderConfig{
		Name:        "gonka-1",
		Kind:        voxmeter.ProviderKindGonka,
		BaseURL:     srv.URL,
		NodeAddress: "gonka1node",
		Auth:        voxmeter.Auth{APIKey: testKey},
		ChatModel:   "qwen",
	}, withClock(func() time.Time { return time.Unix(1, 0) }))
	require.NoError(t, err)
	assert.Equal(t, "gonka-1", p.Name())

	resp, err := p.Enrich(context.Background(), voxmeter.ProviderEnrichRequest{Text: "um so yeah"})
	require.NoError(t, err)
	assert.Equal(t, "tidy", resp.Text)
	assert.Equal(t, int64(12), resp.ReportedTokens)
}

func TestProvider_ErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, err := New(Endpoint{URL: srv.URL, Address: "gonka1node"}, testKey)
	require.NoError(t, err)

	_, err = p.Enrich(context.Background(), voxmeter.ProviderEnrichRequest{Text: "x"})
	assert.ErrorIs(t, err, voxmeter.ErrProviderAuth)
}
