// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/media-transform/pkg/nack"
	"github.com/livekit/media-transform/pkg/srtp"
)

const (
	generatedCLIFlagUsage = "generated"
	envPrefix             = "MEDIA_TRANSFORM"
)

var (
	ErrKeyFileIncorrectPermission = errors.New("key file others permissions must be set to 0")
	ErrKeyFileNotSet              = errors.New("srtp is enabled but no key_file is set")
	ErrRemoteNotSet               = errors.New("relay.remote_address must be set")
)

type Config struct {
	PrometheusPort uint32        `yaml:"prometheus_port,omitempty"`
	Relay          RelayConfig   `yaml:"relay,omitempty"`
	NACK           NACKConfig    `yaml:"nack,omitempty"`
	SRTP           SRTPConfig    `yaml:"srtp,omitempty"`
	RED            REDConfig     `yaml:"red,omitempty"`
	Discard        DiscardConfig `yaml:"discard,omitempty"`
	Logging        LoggingConfig `yaml:"logging,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type RelayConfig struct {
	BindAddress string `yaml:"bind_address,omitempty"`
	// port facing the remote peer, protected traffic
	Port          uint32 `yaml:"port,omitempty"`
	RemoteAddress string `yaml:"remote_address,omitempty"`
	// port facing the local application, plain traffic
	LocalPort      uint32 `yaml:"local_port,omitempty"`
	ForwardAddress string `yaml:"forward_address,omitempty"`
	// size of the datagram read buffer
	ReadBufferSize int `yaml:"read_buffer_size,omitempty"`
}

type NACKConfig struct {
	Enabled    bool   `yaml:"enabled,omitempty"`
	SenderSSRC uint32 `yaml:"sender_ssrc,omitempty"`
	// gap beyond which a stream is considered restarted
	MaxMissing     int           `yaml:"max_missing,omitempty"`
	MaxRequests    int           `yaml:"max_requests,omitempty"`
	ReRequestAfter time.Duration `yaml:"re_request_after,omitempty"`
}

type SRTPConfig struct {
	Enabled      bool   `yaml:"enabled,omitempty"`
	Profile      string `yaml:"profile,omitempty"`
	ReplayWindow uint32 `yaml:"replay_window,omitempty"`
	// YAML file holding hex encoded local and remote master keys and salts
	KeyFile string `yaml:"key_file,omitempty"`
}

type REDConfig struct {
	// 0 disables RED decapsulation
	PayloadType uint8 `yaml:"payload_type,omitempty"`
}

type DiscardConfig struct {
	Enabled    bool `yaml:"enabled,omitempty"`
	MaxStreams int  `yaml:"max_streams,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline" config:"allowempty"`
	PionLevel     string `yaml:"pion_level,omitempty"`
}

var DefaultConfig = Config{
	PrometheusPort: 0,
	Relay: RelayConfig{
		Port:           5004,
		LocalPort:      5006,
		ReadBufferSize: 1500,
	},
	NACK: NACKConfig{
		Enabled:        true,
		MaxMissing:     nack.DefaultMaxMissing,
		MaxRequests:    nack.DefaultMaxRequests,
		ReRequestAfter: nack.DefaultReRequestAfter,
	},
	SRTP: SRTPConfig{
		Profile:      "SRTP_AES128_CM_HMAC_SHA1_80",
		ReplayWindow: 64,
	},
	Logging: LoggingConfig{
		PionLevel: "error",
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	// expand env vars in filenames
	file, err := homedir.Expand(os.ExpandEnv(conf.SRTP.KeyFile))
	if err != nil {
		return nil, err
	}
	conf.SRTP.KeyFile = file

	if err := conf.Validate(); err != nil {
		return nil, errors.Wrap(err, "could not validate config")
	}

	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}
	if conf.Logging.PionLevel != "" {
		if conf.Logging.ComponentLevels == nil {
			conf.Logging.ComponentLevels = map[string]string{}
		}
		conf.Logging.ComponentLevels["pion"] = conf.Logging.PionLevel
	}

	return &conf, nil
}

func (conf *Config) Validate() error {
	if conf.RED.PayloadType > 127 {
		return errors.Errorf("red.payload_type %d is not a valid payload type", conf.RED.PayloadType)
	}
	if conf.NACK.MaxMissing < 0 || conf.NACK.MaxRequests < 0 || conf.NACK.ReRequestAfter < 0 {
		return errors.New("nack limits must not be negative")
	}
	if conf.Relay.ReadBufferSize < 0 {
		return errors.New("relay.read_buffer_size must not be negative")
	}
	if conf.Discard.MaxStreams < 0 {
		return errors.New("discard.max_streams must not be negative")
	}
	if conf.SRTP.Enabled {
		if _, err := srtp.ParseProfile(conf.SRTP.Profile); err != nil {
			return errors.Wrap(err, "srtp.profile")
		}
		if conf.SRTP.KeyFile == "" {
			return ErrKeyFileNotSet
		}
	}
	return nil
}

type keyFile struct {
	Local  keyFileEntry `yaml:"local"`
	Remote keyFileEntry `yaml:"remote"`
}

type keyFileEntry struct {
	MasterKey  string `yaml:"master_key"`
	MasterSalt string `yaml:"master_salt"`
}

func (e keyFileEntry) decode() (srtp.Keys, error) {
	key, err := hex.DecodeString(e.MasterKey)
	if err != nil {
		return srtp.Keys{}, errors.Wrap(err, "master_key")
	}
	salt, err := hex.DecodeString(e.MasterSalt)
	if err != nil {
		return srtp.Keys{}, errors.Wrap(err, "master_salt")
	}
	return srtp.Keys{MasterKey: key, MasterSalt: salt}, nil
}

func newKeyFileEntry(keys srtp.Keys) keyFileEntry {
	return keyFileEntry{
		MasterKey:  hex.EncodeToString(keys.MasterKey),
		MasterSalt: hex.EncodeToString(keys.MasterSalt),
	}
}

// WriteKeyFile stores keys in the format LoadSessionKeys reads, readable by the owner only.
func WriteKeyFile(path string, keys srtp.SessionKeys) error {
	b, err := yaml.Marshal(&keyFile{
		Local:  newKeyFileEntry(keys.Local),
		Remote: newKeyFileEntry(keys.Remote),
	})
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// LoadSessionKeys reads the SRTP master keys from the key file.
func (conf *Config) LoadSessionKeys() (srtp.SessionKeys, error) {
	if conf.SRTP.KeyFile == "" {
		return srtp.SessionKeys{}, ErrKeyFileNotSet
	}

	var otherFilter os.FileMode = 0o007
	if st, err := os.Stat(conf.SRTP.KeyFile); err != nil {
		return srtp.SessionKeys{}, err
	} else if st.Mode().Perm()&otherFilter != 0o000 {
		return srtp.SessionKeys{}, ErrKeyFileIncorrectPermission
	}
	f, err := os.Open(conf.SRTP.KeyFile)
	if err != nil {
		return srtp.SessionKeys{}, err
	}
	defer func() {
		_ = f.Close()
	}()

	var kf keyFile
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err = decoder.Decode(&kf); err != nil {
		return srtp.SessionKeys{}, errors.Wrap(err, "could not parse key file")
	}

	var keys srtp.SessionKeys
	if keys.Local, err = kf.Local.decode(); err != nil {
		return srtp.SessionKeys{}, errors.Wrap(err, "local")
	}
	if keys.Remote, err = kf.Remote.decode(); err != nil {
		return srtp.SessionKeys{}, errors.Wrap(err, "remote")
	}
	return keys, nil
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			// inspect yaml tag from struct field to get path
			field := currNode.TypeNode.Type().Field(i)
			yamlTagArray := strings.SplitN(field.Tag.Get("yaml"), ",", 2)
			yamlTag := yamlTagArray[0]
			isInline := len(yamlTagArray) > 1 && yamlTagArray[1] == "inline"
			if (yamlTag == "" && (!isInline || currNode.TagPrefix == "")) || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				if isInline {
					yamlPath = currNode.TagPrefix
				} else {
					yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
				}
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			// map flag name to value
			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()
		if kind == reflect.Ptr {
			kind = value.Type().Elem().Kind()
		}

		var flag cli.Flag
		envVar := fmt.Sprintf("%s_%s", envPrefix, strings.ToUpper(strings.ReplaceAll(name, ".", "_")))

		switch kind {
		case reflect.Bool:
			flag = &cli.BoolFlag{
				Name:   name,
				Usage:  generatedCLIFlagUsage,
				Hidden: hidden,
			}
		case reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int, reflect.Int32:
			flag = &cli.IntFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int64:
			flag = &cli.Int64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32:
			flag = &cli.UintFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Float32, reflect.Float64:
			flag = &cli.Float64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Slice, reflect.Map:
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]

		// the `c.App.Name != "test"` check is needed because `c.IsSet(...)` is always false in unit tests
		if !c.IsSet(flagName) && c.App.Name != "test" {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		kind := configValue.Kind()
		if kind == reflect.Ptr {
			// instantiate value to be set
			configValue.Set(reflect.New(configValue.Type().Elem()))

			kind = configValue.Type().Elem().Kind()
			configValue = configValue.Elem()
		}

		switch kind {
		case reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case reflect.String:
			configValue.SetString(c.String(flagName))
		case reflect.Int, reflect.Int32, reflect.Int64:
			configValue.SetInt(c.Int64(flagName))
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case reflect.Float32, reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, kind.String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("key-file") {
		conf.SRTP.KeyFile = c.String("key-file")
	}
	if c.IsSet("bind") {
		conf.Relay.BindAddress = c.String("bind")
	}
	if c.IsSet("remote") {
		conf.Relay.RemoteAddress = c.String("remote")
	}
	return nil
}

// Note: only pass in logr.Logger with default depth
func SetLogger(l logger.Logger) {
	logger.SetLogger(l, "media-transform")
}

func InitLoggerFromConfig(config *LoggingConfig) {
	logger.InitFromConfig(&config.Config, "media-transform")
}
