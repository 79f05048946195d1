package client

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dMux/cmd/util"
	"github.com/ValentinKolb/dMux/rpc/client"
	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// ClientCommands groups the commands that talk to a running router
	ClientCommands = &cobra.Command{
		Use:   "client",
		Short: "Interact with a dMux router",
		Long: `Connect to a running dMux router and exchange messages with it or with other clients.
Connection settings can be set via flags or environment variables (DMUX_ROUTER_HOST, DMUX_TIMEOUT, ...)`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cmdUtil.InitConfig()
			if err := cmdUtil.BindCommandFlags(cmd); err != nil {
				return err
			}
			if err := cmdUtil.ReadConfigFile(); err != nil {
				return err
			}
			return common.InitLoggers(viper.GetString("log-level"))
		},
	}

	pingCmd = &cobra.Command{
		Use:   "ping",
		Short: "Send echo requests to the router and print the round trip time",
		Args:  cobra.NoArgs,
		RunE:  runPing,
	}

	sendCmd = &cobra.Command{
		Use:   "send <target> <message-id> <payload>",
		Short: "Send one message to another client or the router",
		Long: `Send one message. The target is a cookie (e.g. 257) or 'router', the message id
is a number (decimal or 0x prefixed hex) or 'echo'. With --wait the command waits for the answer.`,
		Args: cobra.ExactArgs(3),
		RunE: runSend,
	}

	listenCmd = &cobra.Command{
		Use:   "listen",
		Short: "Print every message delivered to this session until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runListen,
	}
)

func init() {
	cmdUtil.SetupServiceFlags(ClientCommands)
	cmdUtil.SetupSocketFlags(ClientCommands)

	key := "timeout"
	ClientCommands.PersistentFlags().Int(key, 5, cmdUtil.WrapString("The timeout in seconds for the handshake and requests"))

	key = "transport-retries"
	ClientCommands.PersistentFlags().Int(key, 3, cmdUtil.WrapString("How many times to redial the router after the connection broke"))

	key = "log-level"
	ClientCommands.PersistentFlags().String(key, "warn", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "count"
	pingCmd.Flags().Int(key, 3, cmdUtil.WrapString("Number of echo requests (0 pings until interrupted)"))

	key = "interval"
	pingCmd.Flags().Duration(key, time.Second, cmdUtil.WrapString("Pause between two echo requests"))

	key = "wait"
	sendCmd.Flags().Bool(key, false, cmdUtil.WrapString("Wait for an answer with the same message id from the target"))

	ClientCommands.AddCommand(pingCmd)
	ClientCommands.AddCommand(sendCmd)
	ClientCommands.AddCommand(listenCmd)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// getClientConfig reads the client configuration from viper
func getClientConfig() common.ClientConfig {
	return common.ClientConfig{
		Service:       cmdUtil.GetServiceConfig(),
		Transport:     viper.GetString("transport"),
		Serializer:    viper.GetString("serializer"),
		Transports:    cmdUtil.GetTransportConf(),
		TimeoutSecond: viper.GetInt("timeout"),
		RetryCount:    viper.GetInt("transport-retries"),
		MaxFrameSize:  common.DefaultMaxFrameSize,
	}
}

// connect opens a session with the configured router
func connect() (*client.Client, error) {
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return nil, err
	}
	connector, err := cmdUtil.GetClientConnector()
	if err != nil {
		return nil, err
	}
	return client.Connect(getClientConfig(), connector, s)
}

// parseCookie accepts a number or one of the reserved names
func parseCookie(s string) (common.Cookie, error) {
	switch s {
	case "router":
		return common.CookieRouter, nil
	case "local":
		return common.CookieLocal, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return common.CookieUnknown, fmt.Errorf("invalid target %q: %v", s, err)
	}
	return common.Cookie(n), nil
}

// parseMessageID accepts decimal, 0x prefixed hex or 'echo'
func parseMessageID(s string) (common.MessageID, error) {
	if s == "echo" {
		return common.MsgIDEcho, nil
	}
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return common.MsgIDInvalid, fmt.Errorf("invalid message id %q: %v", s, err)
	}
	id := common.MessageID(n)
	if !id.IsExecutable() {
		return common.MsgIDInvalid, fmt.Errorf("message id %s is not in the executable range", id)
	}
	return id, nil
}

func requestTimeout() time.Duration {
	if t := viper.GetInt("timeout"); t > 0 {
		return time.Duration(t) * time.Second
	}
	return 5 * time.Second
}

// --------------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------------

func runPing(cmd *cobra.Command, _ []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Disconnect()

	count, _ := cmd.Flags().GetInt("count")
	interval, _ := cmd.Flags().GetDuration("interval")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("PING %s as %s\n", getClientConfig().Service.Endpoint(), c.Cookie())

	var sent, received int
	var total time.Duration
	for seq := 1; count == 0 || seq <= count; seq++ {
		payload := []byte(strconv.Itoa(seq))

		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout())
		rtt, err := c.Ping(reqCtx, payload)
		cancel()
		sent++

		if ctx.Err() != nil {
			break
		}
		if err != nil {
			fmt.Printf("seq=%d error: %v\n", seq, err)
		} else {
			received++
			total += rtt
			fmt.Printf("seq=%d time=%s\n", seq, rtt)
		}

		if count != 0 && seq == count {
			break
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
		case <-c.Done():
			return client.ErrNotConnected
		}
		if ctx.Err() != nil {
			break
		}
	}

	fmt.Printf("--- %d sent, %d received", sent, received)
	if received > 0 {
		fmt.Printf(", avg %s", total/time.Duration(received))
	}
	fmt.Println(" ---")

	if received == 0 && sent > 0 {
		return fmt.Errorf("no echo answered")
	}
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	target, err := parseCookie(args[0])
	if err != nil {
		return err
	}
	id, err := parseMessageID(args[1])
	if err != nil {
		return err
	}
	payload := []byte(args[2])

	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Disconnect()

	wait, _ := cmd.Flags().GetBool("wait")
	if !wait {
		if err := c.Send(target, id, payload); err != nil {
			return err
		}
		fmt.Printf("sent %s to %s\n", id, target)
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout())
	defer cancel()

	resp, err := c.Request(ctx, target, id, payload)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", resp, resp.Payload)
	return nil
}

func runListen(cmd *cobra.Command, _ []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Disconnect()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("listening as %s\n", c.Cookie())
	for {
		select {
		case msg, ok := <-c.Messages():
			if !ok {
				return client.ErrNotConnected
			}
			fmt.Printf("%s: %s\n", msg, msg.Payload)
		case <-ctx.Done():
			return nil
		}
	}
}
