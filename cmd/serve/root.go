package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dMux/cmd/util"
	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/server"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	log = logger.GetLogger(common.LoggerRPC)

	serveCmdConfig = common.DefaultRouterConfig()
	ServeCmd       = &cobra.Command{
		Use:   "serve",
		Short: "Start the dMux router",
		Long: `Start the dMux router with the specified configuration. The configuration can be set via command line flags, a config file (--config) or environment variables.
The format of the environment variables is DMUX_<flag> with dots and dashes replaced by underscores (e.g. DMUX_ROUTER_PORT=9000, DMUX_RETRY_DELAY=2s)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	cmdUtil.SetupServiceFlags(ServeCmd)
	cmdUtil.SetupSocketFlags(ServeCmd)

	key := common.DefaultConnectionKey + ".enabled"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Whether remote servicing of the router connection is enabled"))

	key = "access-mode"
	ServeCmd.PersistentFlags().String(key, string(common.AccessDefaultAccept), cmdUtil.WrapString("Default policy for peers of tcp and ws connections: accept (reject only black-listed) or reject (accept only white-listed)"))

	key = "whitelist"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated list of peer IPs that are always accepted"))

	key = "blacklist"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated list of peer IPs that are always rejected"))

	key = "retry-delay"
	ServeCmd.PersistentFlags().Duration(key, 5*time.Second, cmdUtil.WrapString("Delay before the router tries to open its socket again after a failure"))

	key = "start-timeout"
	ServeCmd.PersistentFlags().Duration(key, 5*time.Second, cmdUtil.WrapString("How long to wait for the dispatcher to start"))

	key = "write-timeout"
	ServeCmd.PersistentFlags().Duration(key, 10*time.Second, cmdUtil.WrapString("Write deadline for a single message to a client (0 disables it)"))

	key = "stats-interval"
	ServeCmd.PersistentFlags().Duration(key, 0, cmdUtil.WrapString("Interval at which traffic statistics are logged (0 disables it)"))

	key = "max-frame-size"
	ServeCmd.PersistentFlags().Uint32(key, common.DefaultMaxFrameSize, cmdUtil.WrapString("Largest accepted frame body in bytes"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of the http server that serves Prometheus metrics on /metrics (e.g. localhost:9181, empty disables it)"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags, the
// config file and environment variables and converts them to the router
// configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}
	if err := cmdUtil.ReadConfigFile(); err != nil {
		return err
	}

	mode, err := common.ParseAccessMode(viper.GetString("access-mode"))
	if err != nil {
		return err
	}

	serveCmdConfig.Service = cmdUtil.GetServiceConfig()
	serveCmdConfig.Transport = viper.GetString("transport")
	serveCmdConfig.Serializer = viper.GetString("serializer")
	serveCmdConfig.Transports = cmdUtil.GetTransportConf()
	serveCmdConfig.AccessMode = mode
	serveCmdConfig.WhiteList = cmdUtil.SplitList(viper.GetString("whitelist"))
	serveCmdConfig.BlackList = cmdUtil.SplitList(viper.GetString("blacklist"))
	serveCmdConfig.RetryDelay = viper.GetDuration("retry-delay")
	serveCmdConfig.StartTimeout = viper.GetDuration("start-timeout")
	serveCmdConfig.WriteTimeout = viper.GetDuration("write-timeout")
	serveCmdConfig.StatsInterval = viper.GetDuration("stats-interval")
	serveCmdConfig.MaxFrameSize = viper.GetUint32("max-frame-size")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	return common.InitLoggers(serveCmdConfig.LogLevel)
}

// run starts the router and blocks until SIGINT/SIGTERM
func run(_ *cobra.Command, _ []string) error {
	defer common.SyncLoggers()

	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}
	connector, err := cmdUtil.GetServerConnector()
	if err != nil {
		return err
	}

	core := server.NewServiceCore(serveCmdConfig, connector, s)
	defer core.Close()

	core.RegisterHandler(common.MsgIDEcho, server.EchoHandler())
	core.RegisterHandlerFunc(common.MsgIDServiceConnect, func(msg common.RemoteMessage) *common.RemoteMessage {
		log.Infof("Client %s connected", msg.Source)
		return nil
	})
	core.RegisterHandlerFunc(common.MsgIDServiceDisconnect, func(msg common.RemoteMessage) *common.RemoteMessage {
		log.Infof("Client %s disconnected", msg.Source)
		return nil
	})

	if !core.ConnectServiceHost() {
		return fmt.Errorf("failed to start the router (router.enabled=%t)", serveCmdConfig.Service.Enabled)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if endpoint := serveCmdConfig.MetricsEndpoint; endpoint != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			core.WritePrometheus(w)
		})
		srv := &http.Server{Addr: endpoint, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			log.Infof("Serving metrics on http://%s/metrics", endpoint)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Infof("Shutting down router")
		core.DisconnectServiceHost()
		return nil
	})

	return g.Wait()
}
