// Package config loads the recognized configuration options of §6 via
// viper, following the flag-then-viper wiring the teacher's cmd/ tools use.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/wundergraph/edge-policy-proxy/pkg/admission"
	"github.com/wundergraph/edge-policy-proxy/pkg/security"
)

// Mode selects which admission variant serves requests.
type Mode string

const (
	ModeStore     Mode = "store"
	ModeSignature Mode = "signature"
)

// Config is the fully-resolved set of recognized options from §6.
type Config struct {
	ListenAddr string
	OriginURL  string

	AdmissionMode Mode

	MaxTokens       int
	PassThroughHash string
	SignSecret      *admission.Secret

	RemoveExtensions bool
	ErrorMaskText    string
	MaskingEnabled   bool

	CanonicalCacheSize int
}

const defaultErrorMask = "[Suggestion hidden]"

// Load reads configuration from environment variables (prefixed
// EDGE_PROXY_) and an optional config file, following viper's standard
// precedence (explicit Set > flag > env > config file > default).
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	v.SetEnvPrefix("EDGE_PROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", "0.0.0.0:8080")
	v.SetDefault("admission.mode", string(ModeStore))
	v.SetDefault("max_tokens", 5000)
	v.SetDefault("response_rules.remove_extensions", false)
	v.SetDefault("response_rules.error_masking", defaultErrorMask)
	v.SetDefault("canonical_cache_size", 4096)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	originURL := v.GetString("origin_url")
	if originURL == "" {
		return nil, fmt.Errorf("origin_url is required")
	}

	cfg := &Config{
		ListenAddr:         v.GetString("listen_addr"),
		OriginURL:          originURL,
		AdmissionMode:      Mode(v.GetString("admission.mode")),
		MaxTokens:          v.GetInt("max_tokens"),
		PassThroughHash:    v.GetString("pass_through_hash"),
		RemoveExtensions:   v.GetBool("response_rules.remove_extensions"),
		CanonicalCacheSize: v.GetInt("canonical_cache_size"),
	}

	if mask := v.GetString("response_rules.error_masking"); mask != "" {
		cfg.ErrorMaskText = mask
		cfg.MaskingEnabled = true
	}

	if secret := v.GetString("sign_secret"); secret != "" {
		algo := security.Algorithm(v.GetString("sign_secret_algorithm"))
		if algo == "" {
			algo = security.SHA256
		}
		cfg.SignSecret = &admission.Secret{Value: secret, Algorithm: algo}
	}

	return cfg, nil
}
