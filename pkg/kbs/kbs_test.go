package kbs

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"

	"github.com/Layr-Labs/kbs-go/internal/secretstore"
	"github.com/Layr-Labs/kbs-go/internal/store"
	"github.com/Layr-Labs/kbs-go/pkg/attester/sev"
	"github.com/Layr-Labs/kbs-go/pkg/sessionstore"
)

// testHarness bundles a Server with the stores behind it so tests can
// provision workloads and swap the vault fetcher per-case.
type testHarness struct {
	server     *Server
	measures   *store.MemoryStore
	secrets    *secretstore.Store
	vaultFetch func(ctx context.Context, cfg secretstore.Config, keyID string) ([]byte, error)
}

func newHarness() *testHarness {
	h := &testHarness{
		measures: store.NewMemoryStore(),
		secrets:  secretstore.New(secretstore.Config{}),
	}
	h.vaultFetch = func(ctx context.Context, cfg secretstore.Config, keyID string) ([]byte, error) {
		return []byte("super-secret-value"), nil
	}
	h.server = New(Config{
		Sessions:         sessionstore.New(nil),
		PolicyStore:      h.measures,
		MeasurementStore: h.measures,
		Secrets:          h.secrets,
		VaultFetch: func(ctx context.Context, cfg secretstore.Config, keyID string) ([]byte, error) {
			return h.vaultFetch(ctx, cfg, keyID)
		},
	})
	return h
}

// clientHandshake mimics a real SEV guest: it generates an ECDH keypair,
// submits it in auth's extra_params, then, once the server answers with
// its own ephemeral public key, derives the same TEK/TIK the server
// derived, so it can compute a matching launch-measurement HMAC tag.
// This reproduces pkg/attester/sev's unexported deriveTransportKeys /
// measurementMAC algorithms at the wire level rather than importing them,
// exactly as a real external client would have to.
type clientHandshake struct {
	priv   *ecdh.PrivateKey
	nonce  string
	tek    []byte
	tik    []byte
	build  sev.Build
	policy uint32
}

func newClientHandshake(t *testing.T) *clientHandshake {
	t.Helper()
	priv, err := ecdh.P384().GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &clientHandshake{priv: priv, build: sev.Build{APIMajor: 1, APIMinor: 0, Build: 7}}
}

func (c *clientHandshake) authBody(t *testing.T) []byte {
	params := sevAuthParams{
		Build: c.build,
		Chain: sev.Chain{PDH: c.priv.PublicKey().Bytes(), CertificateChain: []byte("chain")},
	}
	extra, err := json.Marshal(params)
	require.NoError(t, err)
	body, err := json.Marshal(authRequest{WorkloadID: "w1", Tee: teeSev, ExtraParams: string(extra)})
	require.NoError(t, err)
	return body
}

// completeHandshake parses the server's challenge response and derives
// this client's view of TEK/TIK.
func (c *clientHandshake) completeHandshake(t *testing.T, resp authResponse) {
	t.Helper()
	c.nonce = resp.Nonce

	var extra struct {
		ID    string `json:"id"`
		Start struct {
			Policy uint32 `json:"policy"`
			PDH    string `json:"pdh"`
		} `json:"start"`
	}
	require.NoError(t, json.Unmarshal([]byte(resp.ExtraParams), &extra))
	c.policy = extra.Start.Policy

	serverPubBytes, err := hex.DecodeString(extra.Start.PDH)
	require.NoError(t, err)
	serverPub, err := ecdh.P384().NewPublicKey(serverPubBytes)
	require.NoError(t, err)

	shared, err := c.priv.ECDH(serverPub)
	require.NoError(t, err)

	kdf := hkdf.New(sha512.New384, shared, []byte(c.nonce), []byte(fmt.Sprintf("sev-launch-policy-%d", c.policy)))
	out := make([]byte, 32)
	_, err = kdf.Read(out)
	require.NoError(t, err)
	c.tek, c.tik = out[:16], out[16:]
}

func (c *clientHandshake) measurementEvidence(digest []byte) string {
	mac := hmac.New(sha256.New, c.tik)
	mac.Write([]byte{c.build.APIMajor, c.build.APIMinor, c.build.Build})
	mac.Write([]byte(fmt.Sprintf("%d", c.policy)))
	mac.Write([]byte(c.nonce))
	mac.Write(digest)

	evidence, _ := json.Marshal(sev.Measurement{
		Digest: hex.EncodeToString(digest),
		MAC:    hex.EncodeToString(mac.Sum(nil)),
	})
	return string(evidence)
}

func doRequest(t *testing.T, h *testHarness, method, path string, body []byte, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if cookie != nil {
		r.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, r)
	return w
}

func sessionCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookieName {
			return c
		}
	}
	return nil
}

func TestScenario1_HappyPathSev(t *testing.T) {
	h := newHarness()
	digest := make([]byte, 48)
	_, _ = rand.Read(digest)
	h.measures.SetMeasurement("w1", hex.EncodeToString(digest))

	client := newClientHandshake(t)
	authW := doRequest(t, h, http.MethodPost, "/kbs/v0/auth", client.authBody(t), nil)
	require.Equal(t, http.StatusOK, authW.Code)

	var authResp authResponse
	require.NoError(t, json.Unmarshal(authW.Body.Bytes(), &authResp))
	client.completeHandshake(t, authResp)
	cookie := sessionCookie(authW)
	require.NotNil(t, cookie)

	attestBody, _ := json.Marshal(attestRequest{TeeEvidence: client.measurementEvidence(digest)})
	attestW := doRequest(t, h, http.MethodPost, "/kbs/v0/attest", attestBody, cookie)
	assert.Equal(t, http.StatusOK, attestW.Code)

	keyW := doRequest(t, h, http.MethodGet, "/kbs/v0/key/k1", nil, cookie)
	assert.Equal(t, http.StatusOK, keyW.Code)
	var secret sev.Secret
	require.NoError(t, json.Unmarshal(keyW.Body.Bytes(), &secret))
	assert.NotEmpty(t, secret.Ciphertext)
}

func TestScenario2_WrongMeasurement(t *testing.T) {
	h := newHarness()
	stored := make([]byte, 48) // all-zero, won't match the client's random digest
	h.measures.SetMeasurement("w1", hex.EncodeToString(stored))

	client := newClientHandshake(t)
	authW := doRequest(t, h, http.MethodPost, "/kbs/v0/auth", client.authBody(t), nil)
	require.Equal(t, http.StatusOK, authW.Code)
	var authResp authResponse
	require.NoError(t, json.Unmarshal(authW.Body.Bytes(), &authResp))
	client.completeHandshake(t, authResp)
	cookie := sessionCookie(authW)

	actualDigest := make([]byte, 48)
	actualDigest[0] = 0xff
	attestBody, _ := json.Marshal(attestRequest{TeeEvidence: client.measurementEvidence(actualDigest)})
	attestW := doRequest(t, h, http.MethodPost, "/kbs/v0/attest", attestBody, cookie)
	assert.Equal(t, http.StatusBadRequest, attestW.Code)
	var errResp errorResponse
	require.NoError(t, json.Unmarshal(attestW.Body.Bytes(), &errResp))
	assert.Equal(t, "Launch measurement verification failed", errResp.Reason)

	keyW := doRequest(t, h, http.MethodGet, "/kbs/v0/key/k1", nil, cookie)
	assert.Equal(t, http.StatusUnauthorized, keyW.Code)
}

func TestScenario3_UnknownWorkload(t *testing.T) {
	h := newHarness()
	client := newClientHandshake(t)
	params := sevAuthParams{Build: client.build, Chain: sev.Chain{PDH: client.priv.PublicKey().Bytes(), CertificateChain: []byte("chain")}}
	extra, _ := json.Marshal(params)
	body, _ := json.Marshal(authRequest{WorkloadID: "ghost", Tee: teeSev, ExtraParams: string(extra)})

	authW := doRequest(t, h, http.MethodPost, "/kbs/v0/auth", body, nil)
	require.Equal(t, http.StatusOK, authW.Code)
	var authResp authResponse
	require.NoError(t, json.Unmarshal(authW.Body.Bytes(), &authResp))
	client.completeHandshake(t, authResp)
	cookie := sessionCookie(authW)

	digest := make([]byte, 48)
	attestBody, _ := json.Marshal(attestRequest{TeeEvidence: client.measurementEvidence(digest)})
	attestW := doRequest(t, h, http.MethodPost, "/kbs/v0/attest", attestBody, cookie)
	assert.Equal(t, http.StatusBadRequest, attestW.Code)
}

func TestScenario5_AdminRoundTrip(t *testing.T) {
	h := newHarness()
	updateBody, _ := json.Marshal(map[string]string{"url": "http://v:8200", "token": "myroot"})
	updateW := doRequest(t, h, http.MethodPost, "/secret-store/update", updateBody, nil)
	require.Equal(t, http.StatusOK, updateW.Code)
	var updateResp map[string]string
	require.NoError(t, json.Unmarshal(updateW.Body.Bytes(), &updateResp))
	assert.Equal(t, "updated", updateResp["status"])

	getW := doRequest(t, h, http.MethodGet, "/secret-store/get", nil, nil)
	require.Equal(t, http.StatusOK, getW.Code)
	var cfg secretstore.Config
	require.NoError(t, json.Unmarshal(getW.Body.Bytes(), &cfg))
	assert.Equal(t, secretstore.Config{URL: "http://v:8200", Token: "myroot"}, cfg)
}

func TestScenario6_RejectEmptyAdminField(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.secrets.Update(secretstore.Config{URL: "http://prior", Token: "priortoken"}))

	updateBody, _ := json.Marshal(map[string]string{"url": "", "token": "t"})
	updateW := doRequest(t, h, http.MethodPost, "/secret-store/update", updateBody, nil)
	require.Equal(t, http.StatusOK, updateW.Code)
	var updateResp map[string]string
	require.NoError(t, json.Unmarshal(updateW.Body.Bytes(), &updateResp))
	assert.Equal(t, "error", updateResp["status"])
	assert.Equal(t, "url cannot be empty", updateResp["reason"])

	getW := doRequest(t, h, http.MethodGet, "/secret-store/get", nil, nil)
	var cfg secretstore.Config
	require.NoError(t, json.Unmarshal(getW.Body.Bytes(), &cfg))
	assert.Equal(t, secretstore.Config{URL: "http://prior", Token: "priortoken"}, cfg)
}

func TestIndex_AlwaysUnauthorized(t *testing.T) {
	h := newHarness()
	w := doRequest(t, h, http.MethodGet, "/kbs/v0/", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestKey_WithoutCookie(t *testing.T) {
	h := newHarness()
	w := doRequest(t, h, http.MethodGet, "/kbs/v0/key/k1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAttest_WithoutCookie(t *testing.T) {
	h := newHarness()
	body, _ := json.Marshal(attestRequest{TeeEvidence: "{}"})
	w := doRequest(t, h, http.MethodPost, "/kbs/v0/attest", body, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuth_UnsupportedTee(t *testing.T) {
	h := newHarness()
	body, _ := json.Marshal(authRequest{WorkloadID: "w1", Tee: "Tdx", ExtraParams: "{}"})
	w := doRequest(t, h, http.MethodPost, "/kbs/v0/auth", body, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestKey_InputTooLarge(t *testing.T) {
	h := newHarness()
	digest := make([]byte, 48)
	h.measures.SetMeasurement("w1", hex.EncodeToString(digest))

	client := newClientHandshake(t)
	authW := doRequest(t, h, http.MethodPost, "/kbs/v0/auth", client.authBody(t), nil)
	var authResp authResponse
	require.NoError(t, json.Unmarshal(authW.Body.Bytes(), &authResp))
	client.completeHandshake(t, authResp)
	cookie := sessionCookie(authW)

	attestBody, _ := json.Marshal(attestRequest{TeeEvidence: client.measurementEvidence(digest)})
	attestW := doRequest(t, h, http.MethodPost, "/kbs/v0/attest", attestBody, cookie)
	require.Equal(t, http.StatusOK, attestW.Code)

	h.vaultFetch = func(ctx context.Context, cfg secretstore.Config, keyID string) ([]byte, error) {
		return make([]byte, 4097), nil
	}

	keyW := doRequest(t, h, http.MethodGet, "/kbs/v0/key/k1", nil, cookie)
	assert.Equal(t, http.StatusUnauthorized, keyW.Code)
}
