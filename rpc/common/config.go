package common

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// --------------------------------------------------------------------------
// Service (connection type) configuration
// --------------------------------------------------------------------------

const (
	// DefaultConnectionKey is the configuration key of the router connection
	DefaultConnectionKey = "router"
	DefaultServiceHost   = "127.0.0.1"
	DefaultServicePort   = uint16(8181)
)

// ServiceConfig is the configuration of one logical connection type
type ServiceConfig struct {
	Key     string
	Enabled bool
	Host    string
	Port    uint16
}

// DefaultServiceConfig returns the documented defaults: disabled, loopback
func DefaultServiceConfig(key string) ServiceConfig {
	return ServiceConfig{
		Key:     key,
		Enabled: false,
		Host:    DefaultServiceHost,
		Port:    DefaultServicePort,
	}
}

// LoadServiceConfig reads <key>.enabled, <key>.host and <key>.port from v.
// Missing keys keep the defaults of DefaultServiceConfig.
func LoadServiceConfig(v *viper.Viper, key string) ServiceConfig {
	conf := DefaultServiceConfig(key)
	if v == nil {
		return conf
	}

	if k := key + ".enabled"; v.IsSet(k) {
		conf.Enabled = v.GetBool(k)
	}
	if k := key + ".host"; v.IsSet(k) && v.GetString(k) != "" {
		conf.Host = v.GetString(k)
	}
	if k := key + ".port"; v.IsSet(k) {
		conf.Port = uint16(v.GetUint(k))
	}
	return conf
}

// Endpoint returns host:port
func (c ServiceConfig) Endpoint() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// --------------------------------------------------------------------------
// Socket options
// --------------------------------------------------------------------------

// SocketConf holds buffer sizes applied to every socket (0 = OS default)
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds TCP specific socket options
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int // negative keeps the OS default
}

// TransportConf combines all socket options a connector may apply
type TransportConf struct {
	SocketConf
	TCPConf
}

// --------------------------------------------------------------------------
// Router configuration
// --------------------------------------------------------------------------

// AccessMode is the default policy of the access list
type AccessMode string

const (
	// AccessDefaultAccept rejects only black-listed peers
	AccessDefaultAccept AccessMode = "accept"
	// AccessDefaultReject accepts only white-listed peers
	AccessDefaultReject AccessMode = "reject"
)

// ParseAccessMode converts a flag value to an AccessMode
func ParseAccessMode(s string) (AccessMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(AccessDefaultAccept):
		return AccessDefaultAccept, nil
	case string(AccessDefaultReject):
		return AccessDefaultReject, nil
	default:
		return "", fmt.Errorf("invalid access mode %q (expected accept or reject)", s)
	}
}

// RouterConfig holds every parameter of the router service
type RouterConfig struct {
	Service ServiceConfig

	// transport and body encoding
	Transport  string
	Serializer string
	Transports TransportConf

	// access list
	AccessMode AccessMode
	WhiteList  []string
	BlackList  []string

	// timing
	RetryDelay    time.Duration
	StartTimeout  time.Duration
	WriteTimeout  time.Duration
	StatsInterval time.Duration

	MaxFrameSize uint32

	// observability
	LogLevel        string
	MetricsEndpoint string
}

// DefaultRouterConfig returns a configuration that serves the default router
// address over TCP
func DefaultRouterConfig() RouterConfig {
	service := DefaultServiceConfig(DefaultConnectionKey)
	service.Enabled = true

	return RouterConfig{
		Service:    service,
		Transport:  "tcp",
		Serializer: "binary",
		Transports: TransportConf{
			TCPConf: TCPConf{TCPNoDelay: true, TCPLingerSec: -1},
		},
		AccessMode:   AccessDefaultAccept,
		RetryDelay:   5 * time.Second,
		StartTimeout: 5 * time.Second,
		WriteTimeout: 10 * time.Second,
		MaxFrameSize: DefaultMaxFrameSize,
		LogLevel:     "info",
	}
}

// DefaultMaxFrameSize is the largest frame body accepted by default (16 MiB)
const DefaultMaxFrameSize = 16 * 1024 * 1024

// String returns a formatted string representation of the configuration
func (c *RouterConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Router Service")
	addField("Connection", c.Service.Key)
	addField("Enabled", strconv.FormatBool(c.Service.Enabled))
	addField("Address", c.Service.Endpoint())
	addField("Transport", c.Transport)
	addField("Serializer", c.Serializer)
	addField("Max Frame Size", fmt.Sprintf("%d bytes", c.MaxFrameSize))

	addSection("Access List")
	addField("Mode", string(c.AccessMode))
	addField("White List", strings.Join(c.WhiteList, ", "))
	addField("Black List", strings.Join(c.BlackList, ", "))

	addSection("Timing")
	addField("Retry Delay", c.RetryDelay.String())
	addField("Start Timeout", c.StartTimeout.String())
	addField("Write Timeout", c.WriteTimeout.String())
	addField("Stats Interval", c.StatsInterval.String())

	addSection("Sockets")
	addField("Write Buffer", fmt.Sprintf("%d bytes", c.Transports.WriteBufferSize))
	addField("Read Buffer", fmt.Sprintf("%d bytes", c.Transports.ReadBufferSize))
	addField("TCP NoDelay", strconv.FormatBool(c.Transports.TCPNoDelay))
	addField("TCP KeepAlive", fmt.Sprintf("%d sec", c.Transports.TCPKeepAliveSec))
	addField("TCP Linger", fmt.Sprintf("%d sec", c.Transports.TCPLingerSec))

	addSection("Observability")
	addField("Log Level", c.LogLevel)
	addField("Metrics Endpoint", c.MetricsEndpoint)

	return sb.String()
}

// --------------------------------------------------------------------------
// Client configuration
// --------------------------------------------------------------------------

// ClientConfig holds the parameters of a client session
type ClientConfig struct {
	Service       ServiceConfig
	Transport     string
	Serializer    string
	Transports    TransportConf
	TimeoutSecond int
	RetryCount    int
	MaxFrameSize  uint32
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Router", c.Service.Endpoint())
	addField("Transport", c.Transport)
	addField("Serializer", c.Serializer)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))

	return sb.String()
}
