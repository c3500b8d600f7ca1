// Package config loads and validates the broker's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nyxmq/broker/internal/delivery"
	"github.com/nyxmq/broker/internal/packet"
)

// Config is the top-level broker configuration, unmarshaled from a YAML
// file such as config.yml.
type Config struct {
	Name    string `yaml:"name" validate:"required"`
	Version string `yaml:"version"`

	Server      Server      `yaml:"server"`
	Mqtt        Mqtt        `yaml:"mqtt"`
	Persistence Persistence `yaml:"persistence"`
	Cluster     Cluster     `yaml:"cluster"`
}

// Server holds the listener configuration.
type Server struct {
	Port           string `yaml:"port" validate:"required"`
	MaxConnections int    `yaml:"max_connections" validate:"gte=0"`
}

// Mqtt holds the delivery core's admission and session knobs. Field names
// and intent follow the broker config surface a production MQTT broker
// would expose for these same settings.
type Mqtt struct {
	// MaxInflight limits concurrent unacknowledged QoS 1/2 deliveries per
	// client per direction. 0 means unbounded.
	MaxInflight int `yaml:"max_inflight" validate:"gte=0"`
	// MaxQueuedMessages limits the queued lane's message count.
	MaxQueuedMessages int `yaml:"max_queue_messages" validate:"gte=0"`
	// MaxQueuedBytes limits the queued lane's payload byte total.
	MaxQueuedBytes int `yaml:"max_queue_bytes" validate:"gte=0"`
	// MaxInflightBytes limits the inflight lane's payload byte total.
	MaxInflightBytes int `yaml:"max_inflight_bytes" validate:"gte=0"`
	// QueueQoS0Messages controls whether a QoS 0 message may be queued for
	// an offline client instead of dropped.
	QueueQoS0Messages bool `yaml:"queue_qos0_messages"`
	// MaximumQoS is the highest QoS level the broker grants.
	MaximumQoS uint8 `yaml:"maximum_qos" validate:"gte=0,lte=2"`
	// SessionExpiryCheckInterval controls how often the housekeeping loop
	// sweeps every known delivery client for expired messages. Given in YAML as
	// a duration string such as "30s".
	SessionExpiryCheckInterval time.Duration `yaml:"-" validate:"required"`
	// AllowDuplicateMessages is loaded from YAML but is not passed on to
	// delivery.Client.AllowDuplicates, so it has no effect on duplicate
	// suppression.
	AllowDuplicateMessages bool `yaml:"allow_duplicate_messages"`
}

// mqttAlias mirrors Mqtt field-for-field but takes the duration as a raw
// string, since time.Duration has no native YAML string form.
type mqttAlias struct {
	MaxInflight                int    `yaml:"max_inflight"`
	MaxQueuedMessages          int    `yaml:"max_queue_messages"`
	MaxQueuedBytes             int    `yaml:"max_queue_bytes"`
	MaxInflightBytes           int    `yaml:"max_inflight_bytes"`
	QueueQoS0Messages          bool   `yaml:"queue_qos0_messages"`
	MaximumQoS                 uint8  `yaml:"maximum_qos"`
	SessionExpiryCheckInterval string `yaml:"session_expiry_check_interval"`
	AllowDuplicateMessages     bool   `yaml:"allow_duplicate_messages"`
}

// UnmarshalYAML decodes Mqtt via mqttAlias, then parses the duration field.
func (m *Mqtt) UnmarshalYAML(value *yaml.Node) error {
	var aux mqttAlias
	if err := value.Decode(&aux); err != nil {
		return err
	}

	m.MaxInflight = aux.MaxInflight
	m.MaxQueuedMessages = aux.MaxQueuedMessages
	m.MaxQueuedBytes = aux.MaxQueuedBytes
	m.MaxInflightBytes = aux.MaxInflightBytes
	m.QueueQoS0Messages = aux.QueueQoS0Messages
	m.MaximumQoS = aux.MaximumQoS
	m.AllowDuplicateMessages = aux.AllowDuplicateMessages

	if aux.SessionExpiryCheckInterval != "" {
		d, err := time.ParseDuration(aux.SessionExpiryCheckInterval)
		if err != nil {
			return fmt.Errorf("config: parse session_expiry_check_interval: %w", err)
		}
		m.SessionExpiryCheckInterval = d
	}
	return nil
}

// Persistence configures the SQLite-backed message/session store.
type Persistence struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// Cluster configures cross-broker node id coordination via Redis. Node id
// coordination, not message routing — cross-node publish fan-out is a
// non-goal.
type Cluster struct {
	Enabled   bool   `yaml:"enabled"`
	RedisAddr string `yaml:"redis_addr" validate:"required_if=Enabled true"`
	NodeIDKey string `yaml:"node_id_key"`
}

// AdmissionPolicy builds the delivery.AdmissionPolicy every new client's
// delivery.Client is seeded with.
func (m Mqtt) AdmissionPolicy() delivery.AdmissionPolicy {
	return delivery.AdmissionPolicy{
		MaxQueuedMessages: m.MaxQueuedMessages,
		MaxQueuedBytes:    m.MaxQueuedBytes,
		MaxInflightBytes:  m.MaxInflightBytes,
		QueueQoS0:         m.QueueQoS0Messages,
	}
}

// MaxQoSLevel returns MaximumQoS as a packet.QoSLevel.
func (m Mqtt) MaxQoSLevel() packet.QoSLevel {
	return packet.QoSLevel(m.MaximumQoS)
}

// Load reads and validates the YAML config at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.Cluster.NodeIDKey == "" {
		cfg.Cluster.NodeIDKey = "nyxmq:node_id_seq"
	}

	v := validator.New()
	if err := v.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", path, err)
	}
	return &cfg, nil
}
