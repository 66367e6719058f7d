package types

// ProviderKind selects which provider endpoint a relay phase talks to.
type ProviderKind string

const (
	ProviderOpenAI         ProviderKind = "openai"
	ProviderOpenAICompat   ProviderKind = "openaiCompat"
	ProviderDeepSeekCompat ProviderKind = "deepseekCompat"
	ProviderNone           ProviderKind = "none"
)

// ParseProviderKind returns the kind for s and whether s names a known kind.
func ParseProviderKind(s string) (ProviderKind, bool) {
	switch ProviderKind(s) {
	case ProviderOpenAI, ProviderOpenAICompat, ProviderDeepSeekCompat, ProviderNone:
		return ProviderKind(s), true
	default:
		return "", false
	}
}

// CredentialName is the name under which the host stores this provider's credential.
func (k ProviderKind) CredentialName() string {
	switch k {
	case ProviderOpenAI:
		return "openAiApi"
	case ProviderOpenAICompat:
		return "openAiCompat"
	case ProviderDeepSeekCompat:
		return "deepseekCompat"
	default:
		return ""
	}
}
