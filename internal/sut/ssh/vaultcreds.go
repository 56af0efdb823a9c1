package ssh

// Vault-backed credential resolution for the Secure Shell transport,
// adapted from the teacher's internal/vault/vault.go (which resolved
// cloud storage credentials out of a Vault KV path). Here the same
// pattern resolves an SSH password or private key when a SUT descriptor
// names a "vault://<path>#<field>" reference instead of a literal value.

import (
	"context"
	"strings"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/jjeffery/kv" // MIT License

	runnerErrors "github.com/linux-test-project/runltp-ng-sub000/internal/errors"
)

// VaultRef describes where to fetch a secret field: the Vault server
// address, the KV v2 path, and the field name within that secret's data.
type VaultRef struct {
	Endpoint string
	Path     string
	Field    string
	Token    string
}

// ParseVaultRef recognises "vault://<path>#<field>" references. If value
// is not a vault reference it returns a zero VaultRef with ok=false, and
// the caller keeps using value itself as the literal setting.
func ParseVaultRef(value, endpoint, token string) (ref VaultRef, ok bool) {
	if !strings.HasPrefix(value, "vault://") {
		return ref, false
	}
	rest := strings.TrimPrefix(value, "vault://")
	path := rest
	field := "value"
	if idx := strings.LastIndex(rest, "#"); idx >= 0 {
		path = rest[:idx]
		field = rest[idx+1:]
	}
	return VaultRef{Endpoint: endpoint, Path: path, Field: field, Token: token}, true
}

// Resolve fetches the named field from the Vault KV v2 secret at ref.Path,
// mirroring VaultReference.Resolve in the teacher's internal/vault
// package.
func (ref VaultRef) Resolve(ctx context.Context) (secret string, err kv.Error) {
	config := vaultapi.DefaultConfig()
	if ref.Endpoint != "" {
		config.Address = ref.Endpoint
	}

	client, errGo := vaultapi.NewClient(config)
	if errGo != nil {
		return "", runnerErrors.Wrap(runnerErrors.Configuration, errGo)
	}
	if ref.Token == "" {
		return "", runnerErrors.New(runnerErrors.Configuration, "vault token is not configured").
			With("path", ref.Path)
	}
	client.SetToken(ref.Token)

	data, errGo := client.KVv2("secret").Get(ctx, ref.Path)
	if errGo != nil {
		return "", runnerErrors.Wrap(runnerErrors.Configuration, errGo).With("path", ref.Path)
	}

	raw, ok := data.Data[ref.Field]
	if !ok {
		return "", runnerErrors.New(runnerErrors.Configuration, "field not present in vault secret").
			With("path", ref.Path, "field", ref.Field)
	}
	s, ok := raw.(string)
	if !ok {
		return "", runnerErrors.New(runnerErrors.Configuration, "vault field is not a string").
			With("path", ref.Path, "field", ref.Field)
	}
	return s, nil
}
