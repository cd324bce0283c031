package harness

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"
)

// claudeCredentialFile mirrors ~/.claude/.credentials.json (or the macOS
// keychain entry "Claude Code-credentials"), adapted from
// credentials.GetClaudeToken: the broker only needs expiry, not the token
// itself, so CheckInstallStatus can report LoggedIn without spawning a probe
// CLI invocation on every call.
type claudeCredentialFile struct {
	ClaudeAiOauth *struct {
		ExpiresAt int64 `json:"expiresAt"`
	} `json:"claudeAiOauth"`
}

// claudeCredentialExpiry returns the access token's expiry if a local Claude
// Code credential store is present, or ok=false if none was found.
func claudeCredentialExpiry() (expiresAt time.Time, ok bool) {
	var data []byte
	var err error
	if runtime.GOOS == "darwin" {
		data, err = readMacKeychain("Claude Code-credentials")
	} else {
		home, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return time.Time{}, false
		}
		data, err = os.ReadFile(filepath.Join(home, ".claude", ".credentials.json"))
	}
	if err != nil {
		return time.Time{}, false
	}

	var creds claudeCredentialFile
	if err := json.Unmarshal(data, &creds); err != nil || creds.ClaudeAiOauth == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(creds.ClaudeAiOauth.ExpiresAt), true
}

func readMacKeychain(service string) ([]byte, error) {
	user := os.Getenv("USER")
	if user == "" {
		return nil, fmt.Errorf("USER not set")
	}
	cmd := exec.Command("security", "find-generic-password", "-s", service, "-a", user, "-w")
	return cmd.Output()
}

// codexAuthFile mirrors ~/.codex/auth.json, adapted from
// credentials.GetCodexCredentials.
type codexAuthFile struct {
	OpenAIAPIKey *string `json:"OPENAI_API_KEY,omitempty"`
	Tokens       *struct {
		AccessToken string `json:"access_token"`
	} `json:"tokens,omitempty"`
}

// codexHasLocalCredentials reports whether a Codex auth file with usable
// credentials exists, without reading or returning the token itself.
func codexHasLocalCredentials() bool {
	home, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	data, err := os.ReadFile(filepath.Join(home, ".codex", "auth.json"))
	if err != nil {
		return false
	}
	var auth codexAuthFile
	if err := json.Unmarshal(data, &auth); err != nil {
		return false
	}
	if auth.Tokens != nil && auth.Tokens.AccessToken != "" {
		return true
	}
	return auth.OpenAIAPIKey != nil && *auth.OpenAIAPIKey != ""
}
