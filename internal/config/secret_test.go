package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSecretRedactsInFormatting(t *testing.T) {
	s := Secret("hunter2-api-key")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%#v", s))

	// Empty secrets stay empty so log lines show the field was unset.
	assert.Equal(t, "", Secret("").String())
}

func TestSecretRedactsWhenStructsAreDumped(t *testing.T) {
	cfg := struct {
		URL   Secret `json:"url" yaml:"url"`
		Token Secret `json:"token" yaml:"token"`
	}{
		URL:   "postgres://dca:s3cret@db:5432/dca_engine",
		Token: "admin-token-value",
	}

	jsonOut, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(jsonOut), "s3cret")
	assert.NotContains(t, string(jsonOut), "admin-token-value")

	yamlOut, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(yamlOut), "s3cret")
	assert.NotContains(t, string(yamlOut), "admin-token-value")
}

func TestSecretCleartextNeedsExplicitConversion(t *testing.T) {
	s := Secret("hunter2-api-key")
	assert.Equal(t, "hunter2-api-key", string(s))
}
