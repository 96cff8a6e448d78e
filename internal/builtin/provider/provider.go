// Package provider registers builtin handlers that proxy chat calls to
// hosted LLM APIs. Each handler streams the upstream response through
// emit, so callers see the provider's own chunk cadence.
//
// All providers read the same manifest config keys: model, api_key or
// api_key_env, base_url, and system_prompt.
package provider

import (
	"fmt"
	"os"

	"github.com/modelhost/modelhost/internal/chat"
)

// settings is the config surface shared by every provider.
type settings struct {
	model  string
	apiKey string
	base   string
	system string
}

// parse extracts shared settings from a manifest config table. keyEnv
// names the provider's conventional environment variable; when it is
// empty the provider needs no credential. Key resolution order is the
// api_key value, then the variable named by api_key_env, then keyEnv.
func parse(name string, config map[string]any, keyEnv string) (settings, error) {
	s := settings{
		model:  str(config, "model"),
		apiKey: str(config, "api_key"),
		base:   str(config, "base_url"),
		system: str(config, "system_prompt"),
	}
	if s.model == "" {
		return s, fmt.Errorf("%s: config is missing %q", name, "model")
	}

	if s.apiKey == "" {
		if env := str(config, "api_key_env"); env != "" {
			s.apiKey = os.Getenv(env)
		} else if keyEnv != "" {
			s.apiKey = os.Getenv(keyEnv)
		}
	}
	if keyEnv != "" && s.apiKey == "" {
		return s, fmt.Errorf("%s: no API key in config and %s is not set", name, keyEnv)
	}
	return s, nil
}

// systemFor picks the system text for one call. A system message in the
// transcript wins over the configured default.
func (s settings) systemFor(conv *chat.Conversation) string {
	if sys, ok := conv.SystemPrompt(); ok {
		return sys
	}
	return s.system
}

func str(config map[string]any, key string) string {
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}
