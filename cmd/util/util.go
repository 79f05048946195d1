package util

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/serializer"
	"github.com/ValentinKolb/dMux/rpc/transport"
	"github.com/ValentinKolb/dMux/rpc/transport/tcp"
	"github.com/ValentinKolb/dMux/rpc/transport/unix"
	"github.com/ValentinKolb/dMux/rpc/transport/ws"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables (DMUX_ROUTER_PORT, ...)
	EnvPrefix = "dmux"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// --------------------------------------------------------------------------
// Configuration sources
// --------------------------------------------------------------------------

// InitConfig loads .env files and makes viper read DMUX_* variables. Keys with
// dots or dashes map to underscores (router.port -> DMUX_ROUTER_PORT).
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

// ReadConfigFile merges the file given with --config into viper. An empty
// path is not an error.
func ReadConfigFile() error {
	path := viper.GetString("config")
	if path == "" {
		return nil
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// BindCommandFlags binds a command's flags (local and inherited) to viper
func BindCommandFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.InheritedFlags()); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.Flags())
}

// --------------------------------------------------------------------------
// Shared flags
// --------------------------------------------------------------------------

// SetupServiceFlags adds the address flags of the router connection
// (router.host, router.port)
func SetupServiceFlags(cmd *cobra.Command) {
	key := common.DefaultConnectionKey + ".host"
	cmd.PersistentFlags().String(key, common.DefaultServiceHost, WrapString("Host of the router. For the unix transport this is the socket path"))

	key = common.DefaultConnectionKey + ".port"
	cmd.PersistentFlags().Uint16(key, common.DefaultServicePort, WrapString("Port of the router (ignored for unix)"))
}

// SetupSocketFlags adds the socket option flags shared by server and client
func SetupSocketFlags(cmd *cobra.Command) {
	key := "transport-write-buffer"
	cmd.PersistentFlags().Int(key, 0, WrapString("The size of the socket write buffer (in KB, 0 keeps the OS default)"))

	key = "transport-read-buffer"
	cmd.PersistentFlags().Int(key, 0, WrapString("The size of the socket read buffer (in KB, 0 keeps the OS default)"))

	key = "transport-tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY (tcp and ws only)"))

	key = "transport-tcp-keepalive"
	cmd.PersistentFlags().Int(key, 0, WrapString("The keepalive interval (in seconds, tcp and ws only)"))

	key = "transport-tcp-linger"
	cmd.PersistentFlags().Int(key, -1, WrapString("The linger time (in seconds, tcp and ws only, negative keeps the OS default)"))
}

// GetServiceConfig reads the router connection settings from viper. Unchanged
// flags do not count as set for LoadServiceConfig, so their defaults are
// applied here.
func GetServiceConfig() common.ServiceConfig {
	key := common.DefaultConnectionKey
	conf := common.LoadServiceConfig(viper.GetViper(), key)
	conf.Enabled = viper.GetBool(key + ".enabled")
	if host := viper.GetString(key + ".host"); host != "" {
		conf.Host = host
	}
	if port := viper.GetUint(key + ".port"); port != 0 {
		conf.Port = uint16(port)
	}
	return conf
}

// GetTransportConf reads the socket options from viper
func GetTransportConf() common.TransportConf {
	return common.TransportConf{
		SocketConf: common.SocketConf{
			WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
			ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
		},
		TCPConf: common.TCPConf{
			TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
			TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
			TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
		},
	}
}

// --------------------------------------------------------------------------
// Factories
// --------------------------------------------------------------------------

// GetSerializer creates the serializer named by the serializer flag
func GetSerializer() (serializer.IRPCSerializer, error) {
	return serializer.ByName(viper.GetString("serializer"))
}

// GetServerConnector creates the listening side of the configured transport
func GetServerConnector() (transport.IServerConnector, error) {
	switch name := viper.GetString("transport"); name {
	case "tcp", "":
		return tcp.NewServerConnector(), nil
	case "unix":
		return unix.NewServerConnector(), nil
	case "ws":
		return ws.NewServerConnector(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s (expected tcp, unix or ws)", name)
	}
}

// GetClientConnector creates the dialling side of the configured transport
func GetClientConnector() (transport.IClientConnector, error) {
	switch name := viper.GetString("transport"); name {
	case "tcp", "":
		return tcp.NewClientConnector(), nil
	case "unix":
		return unix.NewClientConnector(), nil
	case "ws":
		return ws.NewClientConnector(), nil
	default:
		return nil, fmt.Errorf("invalid transport %s (expected tcp, unix or ws)", name)
	}
}

// SplitList splits a comma separated flag value and drops empty entries
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
