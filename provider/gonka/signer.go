package gonka

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // Cosmos addresses are defined over RIPEMD-160.
)

const addressPrefix = "gonka"

// signer is an http.RoundTripper that replaces the bearer credential with a
// request signature and the Gonka requester headers.
type signer struct {
	base      http.RoundTripper
	key       *secp256k1.PrivateKey
	requester string
	node      string
	now       func() time.Time
}

func newSigner(base http.RoundTripper, privateKeyHex, nodeAddress string, now func() time.Time) (*signer, error) {
	key, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	addr, err := addressOf(key.PubKey())
	if err != nil {
		return nil, err
	}
	return &signer{base: base, key: key, requester: addr, node: nodeAddress, now: now}, nil
}

func (s *signer) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("gonka: read request body: %w", err)
		}
	}

	ts := s.now().UnixNano()
	out := req.Clone(req.Context())
	out.Header.Set("Authorization", sign(s.key, body, ts, s.node))
	out.Header.Set("X-Requester-Address", s.requester)
	out.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))

	return s.base.RoundTrip(out)
}

func parsePrivateKey(hexKey string) (*secp256k1.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimPrefix(hexKey, "0x"), "0X")
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("gonka: invalid private key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("gonka: private key must be 32 bytes, got %d", len(raw))
	}
	key := secp256k1.PrivKeyFromBytes(raw)
	if key.Key.IsZero() {
		return nil, fmt.Errorf("gonka: private key is zero")
	}
	return key, nil
}

// addressOf derives the bech32 account address: RIPEMD160(SHA256(pubkey)).
func addressOf(pub *secp256k1.PublicKey) (string, error) {
	sum := sha256.Sum256(pub.SerializeCompressed())
	h := ripemd160.New()
	h.Write(sum[:])
	return bech32Encode(addressPrefix, h.Sum(nil))
}

// sign returns base64(r || s) over SHA256(hex(SHA256(body)) + timestamp + node).
func sign(key *secp256k1.PrivateKey, body []byte, tsNanos int64, node string) string {
	bodyHash := sha256.Sum256(body)
	msg := hex.EncodeToString(bodyHash[:]) + strconv.FormatInt(tsNanos, 10) + node
	digest := sha256.Sum256([]byte(msg))

	// SignCompact prefixes a recovery byte.
	compact := ecdsa.SignCompact(key, digest[:], false)
	return base64.StdEncoding.EncodeToString(compact[1:])
}
