// Package busconfig binds the spec.md §6 flag table through cobra,
// with the "environment overrides only the unchanged default" quirk
// the reference Cli::apply_env_overrides implements per field, plus
// an optional static TOML file layered beneath flags and env.
package busconfig

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

// Config is the fully resolved runtime configuration for busd.
type Config struct {
	RPCEndpoint    string `toml:"rpc_endpoint"`
	IngestEndpoint string `toml:"ingest_endpoint"`
	PubEndpoint    string `toml:"pub_endpoint"`

	StoreMaxlen         int    `toml:"store_maxlen"`
	TopicMax            int    `toml:"topic_max"`
	TopicNameMaxLen     int    `toml:"topic_name_max_len"`
	PayloadMaxBytes     int    `toml:"payload_max_bytes"`
	ValidateMode        string `toml:"validate_mode"`
	ValidatePayloadBytes bool  `toml:"validate_payload_bytes"`
	PubEnabled          bool   `toml:"pub_enabled"`
	GetRecentMaxLimit   int    `toml:"get_recent_max_limit"`
	Workers             int    `toml:"workers"`
}

// Defaults returns the spec.md §6 default configuration.
func Defaults() Config {
	return Config{
		RPCEndpoint:          "tcp://127.0.0.1:38865",
		IngestEndpoint:       "tcp://127.0.0.1:38867",
		PubEndpoint:          "tcp://127.0.0.1:38866",
		StoreMaxlen:          20000,
		TopicMax:             2000,
		TopicNameMaxLen:      128,
		PayloadMaxBytes:      262144,
		ValidateMode:         "strict",
		ValidatePayloadBytes: true,
		PubEnabled:           true,
		GetRecentMaxLimit:    1000,
		Workers:              0,
	}
}

const envPrefix = "NEKO_MESSAGE_PLANE_"

// field describes one config knob: its env var suffix and the
// accessor pair needed to read/write it on a Config, used to drive the
// per-field "override only if still default" rule generically.
type field struct {
	env string
	get func(*Config) string
	set func(*Config, string) bool
}

func fields() []field {
	strField := func(env string, ptr func(*Config) *string) field {
		return field{env, func(c *Config) string { return *ptr(c) }, setString(ptr)}
	}
	intF := func(env string, ptr func(*Config) *int) field {
		get, set := intField(ptr)
		return field{env, get, set}
	}
	boolF := func(env string, ptr func(*Config) *bool) field {
		get, set := boolField(ptr)
		return field{env, get, set}
	}

	return []field{
		strField("ZMQ_RPC_ENDPOINT", func(c *Config) *string { return &c.RPCEndpoint }),
		strField("ZMQ_INGEST_ENDPOINT", func(c *Config) *string { return &c.IngestEndpoint }),
		strField("ZMQ_PUB_ENDPOINT", func(c *Config) *string { return &c.PubEndpoint }),
		intF("STORE_MAXLEN", func(c *Config) *int { return &c.StoreMaxlen }),
		intF("TOPIC_MAX", func(c *Config) *int { return &c.TopicMax }),
		intF("TOPIC_NAME_MAX_LEN", func(c *Config) *int { return &c.TopicNameMaxLen }),
		intF("PAYLOAD_MAX_BYTES", func(c *Config) *int { return &c.PayloadMaxBytes }),
		strField("VALIDATE_MODE", func(c *Config) *string { return &c.ValidateMode }),
		intF("GET_RECENT_MAX_LIMIT", func(c *Config) *int { return &c.GetRecentMaxLimit }),
		boolF("VALIDATE_PAYLOAD_BYTES", func(c *Config) *bool { return &c.ValidatePayloadBytes }),
		boolF("PUB_ENABLED", func(c *Config) *bool { return &c.PubEnabled }),
		intF("WORKERS", func(c *Config) *int { return &c.Workers }),
	}
}

func setString(ptr func(*Config) *string) func(*Config, string) bool {
	return func(c *Config, v string) bool {
		*ptr(c) = v
		return true
	}
}

func intField(ptr func(*Config) *int) (func(*Config) string, func(*Config, string) bool) {
	get := func(c *Config) string { return strconv.Itoa(*ptr(c)) }
	set := func(c *Config, v string) bool {
		n, err := strconv.Atoi(v)
		if err != nil {
			return false
		}
		*ptr(c) = n
		return true
	}
	return get, set
}

func boolField(ptr func(*Config) *bool) (func(*Config) string, func(*Config, string) bool) {
	get := func(c *Config) string { return strconv.FormatBool(*ptr(c)) }
	set := func(c *Config, v string) bool {
		b, ok := parseBool(v)
		if !ok {
			return false
		}
		*ptr(c) = b
		return true
	}
	return get, set
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// ApplyEnvOverrides applies an environment variable override to each
// field, but only when that field still equals its own literal
// default — mirroring the reference Cli::apply_env_overrides, which
// checks per field (`if self.field == <that field's default>`), not a
// single "any flag set" test. A flag explicitly set away from its
// default is therefore never clobbered by the environment.
func ApplyEnvOverrides(c *Config) {
	def := Defaults()
	for _, f := range fields() {
		current := f.get(c)
		defaultVal := f.get(&def)
		if current != defaultVal {
			continue
		}
		if v, ok := os.LookupEnv(envPrefix + f.env); ok {
			f.set(c, v)
		}
	}
}

// ExportToEnv publishes the resolved config back into the process
// environment, for any internal component that reads config via
// os.Getenv directly instead of threading a *Config through (mirrors
// the reference's export_to_env, used by handlers.rs to read
// validate_mode/topic_max/etc. straight from the environment).
func ExportToEnv(c *Config) {
	_ = os.Setenv(envPrefix+"VALIDATE_MODE", c.ValidateMode)
	_ = os.Setenv(envPrefix+"TOPIC_MAX", strconv.Itoa(c.TopicMax))
	_ = os.Setenv(envPrefix+"TOPIC_NAME_MAX_LEN", strconv.Itoa(c.TopicNameMaxLen))
	_ = os.Setenv(envPrefix+"PAYLOAD_MAX_BYTES", strconv.Itoa(c.PayloadMaxBytes))
	_ = os.Setenv(envPrefix+"VALIDATE_PAYLOAD_BYTES", strconv.FormatBool(c.ValidatePayloadBytes))
	_ = os.Setenv(envPrefix+"GET_RECENT_MAX_LIMIT", strconv.Itoa(c.GetRecentMaxLimit))
	_ = os.Setenv(envPrefix+"PUB_ENABLED", strconv.FormatBool(c.PubEnabled))
}

// BindFlags registers the spec.md §6 flag table onto cmd, writing into
// c (which should start from Defaults()).
func BindFlags(cmd *cobra.Command, c *Config) {
	cmd.Flags().StringVar(&c.RPCEndpoint, "rpc-endpoint", c.RPCEndpoint, "address the RPC router binds")
	cmd.Flags().StringVar(&c.IngestEndpoint, "ingest-endpoint", c.IngestEndpoint, "address the ingest pull side binds")
	cmd.Flags().StringVar(&c.PubEndpoint, "pub-endpoint", c.PubEndpoint, "address the publish fan-out binds")
	cmd.Flags().IntVar(&c.StoreMaxlen, "store-maxlen", c.StoreMaxlen, "per-topic buffer capacity base")
	cmd.Flags().IntVar(&c.TopicMax, "topic-max", c.TopicMax, "topics per store base")
	cmd.Flags().IntVar(&c.TopicNameMaxLen, "topic-name-max-len", c.TopicNameMaxLen, "max topic name length in bytes")
	cmd.Flags().IntVar(&c.PayloadMaxBytes, "payload-max-bytes", c.PayloadMaxBytes, "max encoded payload size in bytes")
	cmd.Flags().StringVar(&c.ValidateMode, "validate-mode", c.ValidateMode, "strict|warn|off")
	cmd.Flags().BoolVar(&c.ValidatePayloadBytes, "validate-payload-bytes", c.ValidatePayloadBytes, "enable payload size validation")
	cmd.Flags().BoolVar(&c.PubEnabled, "pub-enabled", c.PubEnabled, "enable the publish broadcaster")
	cmd.Flags().IntVar(&c.GetRecentMaxLimit, "get-recent-max-limit", c.GetRecentMaxLimit, "hard cap on get_recent/replay limit")
	cmd.Flags().IntVar(&c.Workers, "workers", c.Workers, "RPC worker count (0 = auto)")
}

// LoadTOMLFile reads an optional static config file as the lowest
// precedence layer, applied before flags/env are considered.
func LoadTOMLFile(path string) (Config, error) {
	c := Defaults()
	if path == "" {
		return c, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, err
	}
	_, err := toml.DecodeFile(path, &c)
	return c, err
}
