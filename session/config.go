package libsyncclient_session

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StopPolicy controls what Close does to an Active session.
type StopPolicy int32

const (
	// StopPolicyImmediately tears the session down right away.
	StopPolicyImmediately StopPolicy = iota
	// StopPolicyLiveIndefinitely keeps the session running; Close is a
	// no-op.
	StopPolicyLiveIndefinitely
	// StopPolicyAfterChangesUploaded keeps the session alive until all
	// locally produced changesets have been uploaded, then tears it
	// down.
	StopPolicyAfterChangesUploaded
)

// ClientResyncMode controls how a server-requested client reset is
// handled.
type ClientResyncMode int32

const (
	// ResyncManual surfaces the reset request to the user error
	// handler and does nothing else.
	ResyncManual ClientResyncMode = iota
	// ResyncDiscardLocal rebuilds the local file from server state,
	// dropping unsynchronized local changes.
	ResyncDiscardLocal
	// ResyncRecover rebuilds the local file and attempts to replay
	// unsynchronized local changes on top.
	ResyncRecover
)

// SessionConfig describes one synchronized file.
type SessionConfig struct {
	// FilePath is the local database file.
	FilePath string `yaml:"file_path"`
	// ServerPath is the virtual path of the remote copy.
	ServerPath string `yaml:"server_path"`
	// StopPolicy applies when Close is called on an Active session.
	StopPolicy StopPolicy `yaml:"stop_policy"`
	// ResyncMode applies when the server requests a client reset.
	ResyncMode ClientResyncMode `yaml:"resync_mode"`
}

// ClientConfig is the manager-wide configuration, loadable from YAML.
type ClientConfig struct {
	// ServerURL is the websocket endpoint of the synchronization
	// server.
	ServerURL string `yaml:"server_url"`

	// MetadataPath is the SQLite file holding client metadata. Empty
	// disables persistence.
	MetadataPath string `yaml:"metadata_path"`

	// RecoveryDirectory receives backup copies of files that must be
	// reset.
	RecoveryDirectory string `yaml:"recovery_directory"`

	// PingInterval is the keepalive period on established
	// connections.
	PingInterval time.Duration `yaml:"ping_interval"`

	// ConnectTimeout bounds transport establishment.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// ReconnectDelay is the fixed pause before redialing after a
	// failed connection attempt.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// TokenRefreshRetryDelay is the fixed backoff between failed
	// access token refresh attempts.
	TokenRefreshRetryDelay time.Duration `yaml:"token_refresh_retry_delay"`

	// WorkerPoolSize bounds the shared goroutine pool used for
	// deferred callback dispatch and refresh retries.
	WorkerPoolSize int `yaml:"worker_pool_size"`
}

// DefaultClientConfig returns the configuration used when a field is
// left unset.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval:           55 * time.Second,
		ConnectTimeout:         30 * time.Second,
		ReconnectDelay:         2 * time.Second,
		TokenRefreshRetryDelay: 10 * time.Second,
		WorkerPoolSize:         32,
	}
}

// ParseClientConfig decodes YAML bytes over the defaults.
func ParseClientConfig(data []byte) (ClientConfig, error) {
	config := DefaultClientConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return ClientConfig{}, fmt.Errorf("parse client config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return ClientConfig{}, err
	}
	return config, nil
}

// LoadClientConfig reads and decodes a YAML configuration file.
func LoadClientConfig(path string) (ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("load client config: %w", err)
	}
	return ParseClientConfig(data)
}

// Validate reports configuration defects that would only surface
// later, at connect time.
func (c *ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("client config: server_url is required")
	}
	if c.PingInterval < 0 || c.ConnectTimeout < 0 || c.ReconnectDelay < 0 || c.TokenRefreshRetryDelay < 0 {
		return fmt.Errorf("client config: negative duration")
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("client config: worker_pool_size must be positive")
	}
	return nil
}
