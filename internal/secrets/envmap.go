package secrets

// envAliases lists the extra environment variables a known secret key must
// also set, beyond setting its own name verbatim.
var envAliases = map[string]map[string]string{
	"CLAUDE_CODE_OAUTH_TOKEN": {"CLAUDE_CODE_USE_OAUTH": "1"},
	"GOOGLE_AI_API_KEY":       {"GEMINI_API_KEY": ""}, // filled with the same value at resolve time
	"GITHUB_TOKEN":            {"GH_TOKEN": ""},
}

// ResolveEnv expands a secrets map into the full process environment the
// executor must apply before spawning an agent, applying the known-key alias
// table. Unknown keys pass through verbatim.
func ResolveEnv(values map[string]string) map[string]string {
	out := make(map[string]string, len(values)*2)
	for key, value := range values {
		out[key] = value
		for aliasKey, aliasValue := range envAliases[key] {
			if aliasValue == "" {
				aliasValue = value
			}
			out[aliasKey] = aliasValue
		}
	}
	return out
}

// Redact returns a display-safe form of a secret value: first 4 and last 4
// characters, with the middle collapsed. Short values are fully masked.
func Redact(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:4] + "..." + value[len(value)-4:]
}
