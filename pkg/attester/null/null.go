// Package null provides an intentionally inert Attester implementation.
// It exists only to prove that the Attester capability is exercised
// polymorphically by the session/registry/handler layers; it is not a
// real TEE backend and never approves a session. See spec §9
// "Polymorphic backends".
package null

import "github.com/Layr-Labs/kbs-go/pkg/attester"

// Attester issues a trivial challenge but refuses to attest. Handlers
// never register a TEE tag that routes here in production; it is used by
// tests exercising the registry/handler boundary without a real backend.
type Attester struct {
	nonce      string
	challenged bool
}

var _ attester.Attester = (*Attester)(nil)

// New constructs a null attester bound to nonce.
func New(nonce string) *Attester {
	return &Attester{nonce: nonce}
}

// Challenge succeeds on its first call, returning an empty extra_params
// payload; any later call returns ErrWrongState.
func (a *Attester) Challenge() (*attester.Challenge, error) {
	if a.challenged {
		return nil, attester.NewError(attester.ErrWrongState, "challenge already issued")
	}
	a.challenged = true
	return &attester.Challenge{Nonce: a.nonce, ExtraParams: "{}"}, nil
}

// Attest always fails: the null backend cannot prove anything.
func (a *Attester) Attest(_ *attester.Evidence, _ string) error {
	if !a.challenged {
		return attester.NewError(attester.ErrWrongState, "attest called before challenge")
	}
	return attester.NewError(attester.ErrBackendInternal, "null backend cannot attest")
}

// EncryptSecret always fails: Attest never succeeds, so this phase is
// never reachable in practice.
func (a *Attester) EncryptSecret(_ []byte) ([]byte, error) {
	return nil, attester.NewError(attester.ErrWrongState, "encrypt_secret called before a verified attestation")
}
