package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dMux/cmd/client"
	"github.com/ValentinKolb/dMux/cmd/serve"
	"github.com/ValentinKolb/dMux/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dmux",
		Short: "message router for local services",
		Long: fmt.Sprintf(`dMux (v%s)

A connection multiplexer written in Go. The router accepts clients over
tcp, unix domain sockets or websockets, assigns every session a cookie and
routes binary messages between clients and local handlers by cookie.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dMux",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dMux v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(client.ClientCommands)
	RootCmd.AddCommand(versionCmd)

	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (binary, json, gob)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (tcp, unix, ws)"))
	key = "config"
	RootCmd.PersistentFlags().String(key, "", util.WrapString("optional config file (yaml, toml, json, ...), values are overridden by flags and environment variables"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
