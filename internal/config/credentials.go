package config

import "github.com/af-corp/llm-relay/internal/credentials"

// CredentialsConfig is the contents of credentials.yaml.
type CredentialsConfig struct {
	Credentials map[string]credentials.Credential `yaml:"credentials"`
}
