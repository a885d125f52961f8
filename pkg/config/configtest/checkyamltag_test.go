package configtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

type goodInner struct {
	Timeout time.Duration `yaml:"timeout,omitempty"`
	Enabled bool          `yaml:"enabled"`
}

type goodConfig struct {
	Port    uint32       `yaml:"port,omitempty"`
	Inner   goodInner    `yaml:"inner,omitempty"`
	Items   []*goodInner `yaml:"items,omitempty"`
	Skipped string       `yaml:"-"`
	Free    struct {
		Anything string
	} `yaml:"free" config:"allowempty"`

	unexported string
}

type badInner struct {
	MaxMissing int `yaml:"maxMissing,omitempty"`
	Count      int `yaml:"count"`
}

type Embedded struct {
	Level string `yaml:"level"`
}

type badConfig struct {
	Embedded `yaml:",inline"`
	Inner    badInner `yaml:"inner,omitempty"`
	Name     string
	Port     uint32 `yaml:"port,omitempty"`
	Other    uint32 `yaml:"port,omitempty"`
}

func TestCheckYAMLTags(t *testing.T) {
	require.NoError(t, CheckYAMLTags(goodConfig{}))
	require.NoError(t, CheckYAMLTags(&goodConfig{}))

	err := CheckYAMLTags(badConfig{})
	var msgs []string
	for _, e := range multierr.Errors(err) {
		msgs = append(msgs, e.Error())
	}
	require.ElementsMatch(t, []string{
		"level: missing omitempty tag",
		"inner.maxMissing: yaml key is not snake_case",
		"inner.count: missing omitempty tag",
		"Name: missing yaml key",
		"Name: missing omitempty tag",
		"port: yaml key also used by Port",
	}, msgs)
}
