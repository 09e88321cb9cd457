// Package vault implements vault_fetch(config, key_id) against a
// HashiCorp-Vault KV v2 compatible store (spec §4.5, §6), using the
// official github.com/hashicorp/vault/api client. Grounded on the Rust
// original's vaultrs::kv2::read call in secrets_store.rs: a fresh client
// is built per call from the process-wide SecretStoreConfig rather than
// cached, since the config can be swapped out from under the store by
// the admin /secret-store/update endpoint at any time.
package vault

import (
	"context"
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

// kv2Mount is the KV v2 secrets-engine mount point the original targets
// (vaultrs::kv2::read(&client, "secret", path)).
const kv2Mount = "secret"

// secretField is the JSON field name the sealed Secret wraps its payload
// in, mirroring the Rust Secret{secret: String} shape.
const secretField = "secret"

// Config is the connection material vault_fetch needs: a Vault address
// and token. It intentionally mirrors internal/secretstore.Config's
// shape rather than importing it, keeping this package usable against
// any {url, token} pair a caller assembles.
type Config struct {
	URL   string
	Token string
}

// Fetch reads keyID from the KV v2 "secret" mount and returns the value
// stored under its "secret" field, matching vaultrs::kv2::read's
// Secret{secret: String} contract. Any connectivity, auth, or
// missing-field failure is returned as a single opaque error (the
// handler boundary maps all of them to a coarse 401 per spec §7, to
// avoid leaking secret existence).
func Fetch(ctx context.Context, cfg Config, keyID string) ([]byte, error) {
	client, err := vaultapi.NewClient(vaultapi.DefaultConfig())
	if err != nil {
		return nil, errors.Wrap(err, "vault: build client")
	}
	if err := client.SetAddress(cfg.URL); err != nil {
		return nil, errors.Wrap(err, "vault: set address")
	}
	client.SetToken(cfg.Token)

	secret, err := client.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/data/%s", kv2Mount, keyID))
	if err != nil {
		return nil, errors.Wrap(err, "vault: read secret")
	}
	if secret == nil || secret.Data == nil {
		return nil, errors.Errorf("vault: no secret found at %s/%s", kv2Mount, keyID)
	}

	// KV v2 nests the stored fields under a "data" key.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("vault: malformed kv2 response for %s", keyID)
	}

	value, ok := data[secretField]
	if !ok {
		return nil, errors.Errorf("vault: secret %s missing %q field", keyID, secretField)
	}
	str, ok := value.(string)
	if !ok {
		return nil, errors.Errorf("vault: secret %s field %q is not a string", keyID, secretField)
	}
	return []byte(str), nil
}
