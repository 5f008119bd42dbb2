package redact

// BuiltinVersion changes whenever the builtin set or its order changes.
const BuiltinVersion = 1

// TimeoutPlaceholder replaces a string whose redaction did not finish in time.
const TimeoutPlaceholder = "[REDACTED:rule-timeout]"

var builtinRules = []Rule{
	{
		ID:          "anthropic-api-key",
		Name:        "Anthropic API key",
		Pattern:     `sk-ant-[A-Za-z0-9_\-]{20,}`,
		Replacement: "[REDACTED:anthropic-key]",
	},
	{
		ID:          "openai-api-key",
		Name:        "OpenAI API key",
		Pattern:     `sk-(?:proj-)?[A-Za-z0-9_\-]{20,}`,
		Replacement: "[REDACTED:openai-key]",
	},
	{
		ID:          "bearer-token",
		Name:        "Bearer token",
		Pattern:     `(?i)(bearer\s+)[A-Za-z0-9\-._~+/]+=*`,
		Replacement: "${1}[REDACTED]",
	},
	{
		ID:          "aws-access-key",
		Name:        "AWS access key id",
		Pattern:     `\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`,
		Replacement: "[REDACTED:aws-key]",
	},
	{
		ID:          "github-token",
		Name:        "GitHub token",
		Pattern:     `\bgh[pousr]_[A-Za-z0-9]{36,}\b`,
		Replacement: "[REDACTED:github-token]",
	},
	{
		ID:          "private-key-block",
		Name:        "PEM private key",
		Pattern:     `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`,
		Replacement: "[REDACTED:private-key]",
	},
	{
		ID:          "jwt",
		Name:        "JSON web token",
		Pattern:     `\beyJ[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]{8,}`,
		Replacement: "[REDACTED:jwt]",
	},
	{
		ID:          "email-address",
		Name:        "Email address",
		Pattern:     `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`,
		Replacement: "[REDACTED:email]",
	},
}

// Builtins returns a copy of the builtin set in application order, all enabled.
func Builtins() []Rule {
	out := make([]Rule, len(builtinRules))
	for i, r := range builtinRules {
		r.Enabled = true
		r.Builtin = true
		out[i] = r
	}
	return out
}

func isBuiltinID(id string) bool {
	for _, r := range builtinRules {
		if r.ID == id {
			return true
		}
	}
	return false
}
