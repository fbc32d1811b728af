package dense

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Credentials is an endpoint plus key for the dense scoring provider.
type Credentials struct {
	BaseURL string
	APIKey  string
}

// CredentialResolver is one named source of provider credentials. Resolvers
// are tried in the order they are injected; the first one that yields a
// non-empty base URL wins. No resolver consults hidden globals.
type CredentialResolver interface {
	Name() string
	Resolve() (Credentials, bool)
}

// Resolve walks the chain and returns the first hit.
func Resolve(resolvers []CredentialResolver) (Credentials, error) {
	for _, r := range resolvers {
		creds, ok := r.Resolve()
		if !ok {
			continue
		}
		creds.BaseURL = strings.TrimRight(strings.TrimSpace(creds.BaseURL), "/")
		creds.APIKey = strings.TrimSpace(creds.APIKey)
		if creds.BaseURL == "" {
			continue
		}
		return creds, nil
	}
	return Credentials{}, fmt.Errorf("no dense provider credentials resolved")
}

// StaticResolver serves explicitly configured credentials.
type StaticResolver struct {
	Credentials Credentials
}

func (r StaticResolver) Name() string { return "static" }

func (r StaticResolver) Resolve() (Credentials, bool) {
	if strings.TrimSpace(r.Credentials.BaseURL) == "" {
		return Credentials{}, false
	}
	return r.Credentials, true
}

// EnvResolver reads credentials from a pair of environment variables.
type EnvResolver struct {
	BaseURLVar string
	APIKeyVar  string
}

func (r EnvResolver) Name() string { return "env" }

func (r EnvResolver) Resolve() (Credentials, bool) {
	baseURL := strings.TrimSpace(os.Getenv(r.BaseURLVar))
	if baseURL == "" {
		return Credentials{}, false
	}
	return Credentials{BaseURL: baseURL, APIKey: os.Getenv(r.APIKeyVar)}, true
}

// SettingsResolver reads credentials from a persisted JSON settings file of
// the shape {"dense":{"baseUrl":"...","apiKey":"..."}}.
type SettingsResolver struct {
	Path string
}

func (r SettingsResolver) Name() string { return "settings" }

func (r SettingsResolver) Resolve() (Credentials, bool) {
	data, err := os.ReadFile(r.Path)
	if err != nil {
		return Credentials{}, false
	}
	var parsed struct {
		Dense struct {
			BaseURL string `json:"baseUrl"`
			APIKey  string `json:"apiKey"`
		} `json:"dense"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Credentials{}, false
	}
	if strings.TrimSpace(parsed.Dense.BaseURL) == "" {
		return Credentials{}, false
	}
	return Credentials{BaseURL: parsed.Dense.BaseURL, APIKey: parsed.Dense.APIKey}, true
}

// DefaultChain is the standard resolution order: explicit config, then
// environment, then the persisted settings file.
func DefaultChain(static Credentials, settingsPath string) []CredentialResolver {
	return []CredentialResolver{
		StaticResolver{Credentials: static},
		EnvResolver{BaseURLVar: "LAYERCLAW_DENSE_BASE_URL", APIKeyVar: "LAYERCLAW_DENSE_API_KEY"},
		SettingsResolver{Path: settingsPath},
	}
}
