package kbs

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/Layr-Labs/kbs-go/internal/secretstore"
	"github.com/Layr-Labs/kbs-go/pkg/attester"
	"github.com/Layr-Labs/kbs-go/pkg/attester/sev"
	"github.com/Layr-Labs/kbs-go/pkg/session"
)

// tee tag values the service recognizes (spec §6 "TEE tag").
const teeSev = "Sev"

type authRequest struct {
	WorkloadID  string `json:"workload_id"`
	Tee         string `json:"tee"`
	ExtraParams string `json:"extra_params"`
}

type authResponse struct {
	Nonce       string `json:"nonce"`
	ExtraParams string `json:"extra_params"`
}

type attestRequest struct {
	TeeEvidence string `json:"tee_evidence"`
}

// sevAuthParams is the SEV-specific payload auth's extra_params carries:
// the client's firmware build identity and certificate chain, needed to
// construct the backend's fresh-phase state.
type sevAuthParams struct {
	Build sev.Build `json:"build"`
	Chain sev.Chain `json:"chain"`
}

// handleAuth implements POST /kbs/v0/auth (spec §6): validates the
// request, optionally hardens against unregistered workloads, builds
// the requested TEE backend, issues its challenge, and sets the session
// cookie.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.WorkloadID == "" {
		writeError(w, http.StatusBadRequest, "workload_id is required")
		return
	}

	if s.workloadRegistry != nil {
		registered, err := s.workloadRegistry.RegisteredWorkload(req.WorkloadID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "workload registry unavailable")
			return
		}
		if !registered {
			writeError(w, http.StatusBadRequest, "unknown workload")
			return
		}
	}

	if req.Tee != teeSev {
		writeError(w, http.StatusBadRequest, "unsupported tee tag")
		return
	}

	var params sevAuthParams
	if err := json.Unmarshal([]byte(req.ExtraParams), &params); err != nil {
		writeError(w, http.StatusBadRequest, "malformed extra_params")
		return
	}

	// Suspension point: policy lookup (spec §5). No session-level lock
	// is held yet, so this may block freely.
	overlay, ok, err := s.policyStore.PolicyFor(req.WorkloadID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "policy store unavailable")
		return
	}
	if !ok {
		overlay = nil
	}

	nonce := session.NewID()
	att := sev.New(req.WorkloadID, nonce, params.Build, params.Chain, overlay)
	sess := session.New(nonce, req.WorkloadID, att)

	challenge, err := att.Challenge()
	if err != nil {
		writeError(w, http.StatusBadRequest, errMessage(err))
		return
	}

	s.sessions.Insert(sess)

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID(),
		Path:     "/",
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, authResponse{Nonce: challenge.Nonce, ExtraParams: challenge.ExtraParams})
}

// handleAttest implements POST /kbs/v0/attest (spec §6): looks up the
// session by cookie, fetches the workload's expected measurement, then
// re-acquires exclusive access to drive the attester's Attest call.
func (s *Server) handleAttest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sessionID, err := readSessionCookie(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing session cookie")
		return
	}

	handle, ok := s.sessions.Lookup(sessionID)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid session")
		return
	}
	workloadID := handle.Session().WorkloadID()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	var req attestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	// Suspension point: measurement lookup (spec §5), performed without
	// holding the per-session lock.
	digestHex, ok, err := s.measurementStore.MeasurementFor(workloadID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "measurement store unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown workload")
		return
	}

	handle.Lock()
	defer handle.Unlock()

	evidence := &attester.Evidence{TeeEvidence: req.TeeEvidence}
	if err := handle.Session().Attester().Attest(evidence, digestHex); err != nil {
		writeError(w, http.StatusBadRequest, attestErrorReason(err))
		return
	}

	handle.Session().Approve()
	w.WriteHeader(http.StatusOK)
}

// handleKey implements GET /kbs/v0/key/<key_id> (spec §6): validates the
// session, fetches the secret from vault, then re-acquires exclusive
// access to seal it under the session's transport key.
func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	keyID, err := keyIDFromPath(r.URL.Path)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing key id")
		return
	}

	sessionID, err := readSessionCookie(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid session")
		return
	}

	handle, ok := s.sessions.Lookup(sessionID)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid session")
		return
	}

	handle.Lock()
	valid := handle.Session().IsValid()
	handle.Unlock()
	if !valid {
		writeError(w, http.StatusUnauthorized, "invalid session")
		return
	}

	// Suspension point: vault fetch (spec §5), performed without holding
	// the per-session lock.
	secretsConfig := s.secrets.Get()
	plainBytes, err := s.vaultFetch(r.Context(), secretsConfig, keyID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "failed to retrieve secret")
		return
	}

	handle.Lock()
	defer handle.Unlock()

	if !handle.Session().IsValid() {
		writeError(w, http.StatusUnauthorized, "invalid session")
		return
	}

	sealed, err := handle.Session().Attester().EncryptSecret(plainBytes)
	if err != nil {
		writeError(w, http.StatusUnauthorized, errMessage(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(sealed)
}

// handleSecretStoreGet implements GET /secret-store/get. Returns the
// vault token in cleartext, a known liability preserved per spec §9
// "compatibility" note.
func (s *Server) handleSecretStoreGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.secrets.Get())
}

// handleSecretStoreUpdate implements POST /secret-store/update. Per spec
// §7, validation failure is a 200 with a {status:"error"} body, not a
// 4xx (the original API's quirk, preserved deliberately).
func (s *Server) handleSecretStoreUpdate(w http.ResponseWriter, r *http.Request) {
	var cfg struct {
		URL   string `json:"url"`
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "reason": "malformed request body"})
		return
	}

	if err := s.secrets.Update(secretstore.Config{URL: cfg.URL, Token: cfg.Token}); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func readSessionCookie(r *http.Request) (string, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return "", err
	}
	return cookie.Value, nil
}

// errMessage unwraps an *attester.Error's message without leaking the
// backend-internal type onto the wire, per spec §7's propagation policy.
func errMessage(err error) string {
	if ae, ok := err.(*attester.Error); ok {
		return ae.Message
	}
	return err.Error()
}

// attestErrorReason maps an Attest failure to the client-visible reason
// string, using the literal wording spec §8 scenario 2 expects for a
// measurement mismatch.
func attestErrorReason(err error) string {
	ae, ok := err.(*attester.Error)
	if !ok {
		return err.Error()
	}
	if ae.Kind == attester.ErrMeasurementMismatch {
		return "Launch measurement verification failed"
	}
	return ae.Message
}
