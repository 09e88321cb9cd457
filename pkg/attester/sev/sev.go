// Package sev implements the Attester capability contract for AMD SEV
// guests: a Fresh -> Initialized -> Verified consuming state machine that
// negotiates a transport key during LaunchStart, verifies a guest's launch
// measurement during LaunchMeasure, and wraps secrets into a LaunchSecret
// packet bound to that transport key.
//
// This backend models the classic SEV launch-sequence key schedule
// (ECDH-derived TEK/TIK, HMAC-tagged measurement, AES-CTR secret envelope)
// rather than the newer SEV-SNP attestation-report protocol (see
// DESIGN.md for why the SNP verification libraries in the wider corpus
// were not a fit here).
package sev

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/hkdf"

	"github.com/Layr-Labs/kbs-go/pkg/attester"
	"github.com/pkg/errors"
)

// digestSize is the length, in bytes, of a SHA-384 launch-measurement
// digest, the size AMD SEV launch measurements use.
const digestSize = 48

// maxSecretInput is the largest plaintext EncryptSecret will wrap.
const maxSecretInput = 4096

// secretBlockSize is the padding granularity for EncryptSecret's output
// (see DESIGN.md "Open Questions resolved" #1).
const secretBlockSize = 512

// Build identifies the SEV firmware build the guest was launched under,
// mirroring the (api_major, api_minor, build) triple AMD's ABI reports.
type Build struct {
	APIMajor uint8 `json:"api_major"`
	APIMinor uint8 `json:"api_minor"`
	Build    uint8 `json:"build"`
}

// Chain is the certificate material supplied by the client at auth time.
// PDH is the client's ECDH public key (P-384, raw uncompressed point
// encoding); CertificateChain is opaque chain bytes carried through for
// audit/logging but not independently parsed by this reference backend.
type Chain struct {
	PDH              []byte `json:"pdh"`
	CertificateChain []byte `json:"certificate_chain"`
}

// Policy is the SEV guest policy bitfield. Zero value is the default
// policy (debug allowed, everything else permitted); callers needing the
// restrictive defaults real deployments use should set NoDebug/NoKeyShare.
type Policy struct {
	NoDebug        bool `json:"no_debug"`
	NoKeyShare     bool `json:"no_key_share"`
	EncryptedState bool `json:"encrypted_state"`
	NoSend         bool `json:"no_send"`
	Domain         bool `json:"domain"`
	SEV            bool `json:"sev"`
}

// DefaultPolicy returns the SEV attester's baseline policy: everything
// permitted. Per spec §4.2, Challenge always starts from this and merges
// in any per-workload overlay from the policy store.
func DefaultPolicy() Policy {
	return Policy{}
}

func (p Policy) bits() uint32 {
	var v uint32
	if p.NoDebug {
		v |= 1 << 0
	}
	if p.NoKeyShare {
		v |= 1 << 1
	}
	if p.EncryptedState {
		v |= 1 << 2
	}
	if p.NoSend {
		v |= 1 << 3
	}
	if p.Domain {
		v |= 1 << 4
	}
	if p.SEV {
		v |= 1 << 5
	}
	return v
}

// mergeOverlay applies a JSON policy overlay (as stored per-workload by the
// policy store) on top of p, setting any field the overlay mentions.
func (p Policy) mergeOverlay(overlay []byte) (Policy, error) {
	if len(overlay) == 0 {
		return p, nil
	}
	var partial struct {
		NoDebug        *bool `json:"no_debug"`
		NoKeyShare     *bool `json:"no_key_share"`
		EncryptedState *bool `json:"encrypted_state"`
		NoSend         *bool `json:"no_send"`
		Domain         *bool `json:"domain"`
		SEV            *bool `json:"sev"`
	}
	if err := json.Unmarshal(overlay, &partial); err != nil {
		return p, errors.Wrap(err, "parse tee_config policy overlay")
	}
	if partial.NoDebug != nil {
		p.NoDebug = *partial.NoDebug
	}
	if partial.NoKeyShare != nil {
		p.NoKeyShare = *partial.NoKeyShare
	}
	if partial.EncryptedState != nil {
		p.EncryptedState = *partial.EncryptedState
	}
	if partial.NoSend != nil {
		p.NoSend = *partial.NoSend
	}
	if partial.Domain != nil {
		p.Domain = *partial.Domain
	}
	if partial.SEV != nil {
		p.SEV = *partial.SEV
	}
	return p, nil
}

// startMessage is the LaunchStart payload returned to the client as the
// challenge's extra_params.start field.
type startMessage struct {
	Policy uint32 `json:"policy"`
	PDH    string `json:"pdh"` // hex-encoded session (server-side) ECDH public key
}

// Measurement is the evidence a client submits at Attest time: the guest
// firmware's reported launch-memory digest plus the HMAC tag firmware
// computed over it using the negotiated TIK.
type Measurement struct {
	Digest string `json:"measurement"`
	MAC    string `json:"mac"`
}

// secretHeader mirrors the SEV LaunchSecret packet header.
type secretHeader struct {
	Flags  uint32 `json:"flags"`
	Length int    `json:"length"`
	IV     string `json:"iv"`
}

// Secret is the sealed blob EncryptSecret returns, JSON-encoded back to the
// client over the /key endpoint.
type Secret struct {
	Header     secretHeader `json:"header"`
	Ciphertext string       `json:"ciphertext"`
	Tag        string       `json:"tag"`
}

type phase int

const (
	phaseFresh phase = iota
	phaseInitialized
	phaseVerified
)

// Attester is the SEV implementation of attester.Attester. Its three
// sub-states (fresh/initialized/verified) are modeled as a phase tag plus
// the one payload struct that phase owns; the earlier phase's payload is
// nilled out on transition so a repeat call observably loses its state,
// matching the "consumed, not copied" requirement in spec §3/§4.2.
type Attester struct {
	workloadID string
	nonce      string
	build      Build
	phase      phase

	// fresh-phase data, nil once Challenge succeeds.
	chain         *Chain
	policyOverlay []byte

	// initialized-phase data, nil once Attest succeeds or before Challenge.
	policy        Policy
	serverPriv    *ecdh.PrivateKey
	tek           []byte
	tik           []byte

	// verified-phase data, nil until Attest succeeds.
	verifiedTEK []byte
}

var _ attester.Attester = (*Attester)(nil)

// New constructs a fresh SEV attester for one session. workloadID and nonce
// are the client-supplied workload id and the session nonce, which also
// doubles as the session id; policyOverlay is the optional raw tee_config
// JSON fetched from the policy store (may be nil).
func New(workloadID, nonce string, build Build, chain Chain, policyOverlay []byte) *Attester {
	return &Attester{
		workloadID:    workloadID,
		nonce:         nonce,
		build:         build,
		chain:         &chain,
		policyOverlay: policyOverlay,
		phase:         phaseFresh,
	}
}

// Challenge builds the session's policy, generates the server's ephemeral
// ECDH keypair, derives TEK/TIK against the client's PDH public key, and
// returns the LaunchStart challenge. It consumes the Chain.
func (a *Attester) Challenge() (*attester.Challenge, error) {
	if a.phase != phaseFresh {
		return nil, attester.NewError(attester.ErrWrongState, "challenge already issued")
	}

	policy, err := DefaultPolicy().mergeOverlay(a.policyOverlay)
	if err != nil {
		return nil, attester.WrapError(attester.ErrBackendInternal, "sev: build policy", err)
	}

	chain := a.chain
	a.chain = nil // consume
	if chain == nil || len(chain.PDH) == 0 {
		return nil, attester.NewError(attester.ErrBackendInternal, "sev: missing client chain")
	}

	curve := ecdh.P384()
	serverPriv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, attester.WrapError(attester.ErrCryptoFailure, "sev: generate session key", err)
	}

	clientPub, err := curve.NewPublicKey(chain.PDH)
	if err != nil {
		return nil, attester.WrapError(attester.ErrInvalidEvidence, "sev: parse client PDH", err)
	}

	shared, err := serverPriv.ECDH(clientPub)
	if err != nil {
		return nil, attester.WrapError(attester.ErrCryptoFailure, "sev: derive shared secret", err)
	}

	tek, tik, err := deriveTransportKeys(shared, a.nonce, policy.bits())
	if err != nil {
		return nil, attester.WrapError(attester.ErrCryptoFailure, "sev: derive TEK/TIK", err)
	}

	start := startMessage{
		Policy: policy.bits(),
		PDH:    hex.EncodeToString(serverPriv.PublicKey().Bytes()),
	}
	extraParams, err := json.Marshal(struct {
		ID    string       `json:"id"`
		Start startMessage `json:"start"`
	}{ID: a.nonce, Start: start})
	if err != nil {
		return nil, attester.WrapError(attester.ErrBackendInternal, "sev: encode challenge", err)
	}

	a.policy = policy
	a.serverPriv = serverPriv
	a.tek = tek
	a.tik = tik
	a.policyOverlay = nil
	a.phase = phaseInitialized

	return &attester.Challenge{Nonce: a.nonce, ExtraParams: string(extraParams)}, nil
}

// Attest parses the submitted Measurement, checks its digest against
// expectedHex, and verifies firmware's HMAC tag using the session's TIK.
func (a *Attester) Attest(evidence *attester.Evidence, expectedHex string) error {
	if a.phase != phaseInitialized {
		return attester.NewError(attester.ErrWrongState, "attest called outside initialized phase")
	}

	var measurement Measurement
	if evidence == nil || json.Unmarshal([]byte(evidence.TeeEvidence), &measurement) != nil {
		return attester.NewError(attester.ErrInvalidEvidence, "malformed tee_evidence")
	}

	expected, err := hex.DecodeString(expectedHex)
	if err != nil {
		return attester.WrapError(attester.ErrInvalidEvidence, "malformed expected launch measurement", err)
	}

	got, err := hex.DecodeString(measurement.Digest)
	if err != nil {
		return attester.WrapError(attester.ErrInvalidEvidence, "malformed measurement digest", err)
	}

	tek, tik := a.tek, a.tik
	policyBits, build := a.policy.bits(), a.build
	nonce := a.nonce
	// The initialized-phase key material is kept until the verdict: a
	// failed verification leaves the attester in "initialized" with tek/tik
	// intact, so a repeat attest attempt checks against the same keys; only
	// a successful verification consumes them below.

	if len(got) != len(expected) || len(expected) != digestSize {
		return attester.NewError(attester.ErrMeasurementMismatch, "launch measurement length mismatch")
	}
	if !hmac.Equal(got, expected) {
		return attester.NewError(attester.ErrMeasurementMismatch, "launch measurement does not match expected digest")
	}

	wantMAC := measurementMAC(tik, build, policyBits, nonce, got)
	gotMAC, err := hex.DecodeString(measurement.MAC)
	if err != nil || !hmac.Equal(gotMAC, wantMAC) {
		return attester.NewError(attester.ErrMeasurementMismatch, "launch measurement signature verification failed")
	}

	a.verifiedTEK = tek
	a.tek, a.tik = nil, nil
	a.serverPriv = nil
	a.phase = phaseVerified
	return nil
}

// EncryptSecret pads plainBytes to the resolved SEV secret-packet
// granularity and wraps it under the session's verified transport key.
func (a *Attester) EncryptSecret(plainBytes []byte) ([]byte, error) {
	if a.phase != phaseVerified {
		return nil, attester.NewError(attester.ErrWrongState, "encrypt_secret called before a verified attestation")
	}
	if len(plainBytes) > maxSecretInput {
		return nil, attester.NewError(attester.ErrInputTooLarge, "plaintext exceeds 4096 bytes")
	}

	padded := padSecret(plainBytes)

	block, err := aes.NewCipher(a.verifiedTEK[:16])
	if err != nil {
		return nil, attester.WrapError(attester.ErrCryptoFailure, "sev: build AES cipher", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, attester.WrapError(attester.ErrCryptoFailure, "sev: generate IV", err)
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, padded)

	tagMAC := hmac.New(sha256.New, a.verifiedTEK)
	tagMAC.Write(iv)
	tagMAC.Write(ciphertext)

	secret := Secret{
		Header: secretHeader{
			Flags:  0,
			Length: len(padded),
			IV:     hex.EncodeToString(iv),
		},
		Ciphertext: hex.EncodeToString(ciphertext),
		Tag:        hex.EncodeToString(tagMAC.Sum(nil)),
	}
	out, err := json.Marshal(secret)
	if err != nil {
		return nil, attester.WrapError(attester.ErrBackendInternal, "sev: encode secret packet", err)
	}
	return out, nil
}

// padSecret right-pads plain with zero bytes to the next multiple of
// secretBlockSize (minimum one block). See DESIGN.md "Open Questions
// resolved" #1 for why this departs from the naive "pad to 512-len(plain)"
// behaviour, which underflows for inputs over 512 bytes.
func padSecret(plain []byte) []byte {
	target := ((len(plain) + secretBlockSize - 1) / secretBlockSize) * secretBlockSize
	if target == 0 {
		target = secretBlockSize
	}
	out := make([]byte, target)
	copy(out, plain)
	return out
}

// deriveTransportKeys runs HKDF-SHA384 over the ECDH shared secret to
// produce a 16-byte TEK (secret-wrapping key) and 16-byte TIK (measurement
// integrity key), salted by the session nonce and bound to the policy via
// the info string (the Go analog of AMD SEV's NIST SP 800-108 key
// schedule).
func deriveTransportKeys(shared []byte, nonce string, policyBits uint32) (tek, tik []byte, err error) {
	salt := []byte(nonce)
	info := []byte(fmt.Sprintf("sev-launch-policy-%d", policyBits))

	kdf := hkdf.New(sha512.New384, shared, salt, info)
	out := make([]byte, 32)
	if _, err := kdf.Read(out); err != nil {
		return nil, nil, err
	}
	return out[:16], out[16:], nil
}

// measurementMAC recomputes the HMAC-SHA256 tag over the fields firmware
// binds the launch measurement to: build identity, policy, session nonce,
// and the measured digest itself.
func measurementMAC(tik []byte, build Build, policyBits uint32, nonce string, digest []byte) []byte {
	mac := hmac.New(sha256.New, tik)
	mac.Write([]byte{build.APIMajor, build.APIMinor, build.Build})
	mac.Write([]byte(fmt.Sprintf("%d", policyBits)))
	mac.Write([]byte(nonce))
	mac.Write(digest)
	return mac.Sum(nil)
}
