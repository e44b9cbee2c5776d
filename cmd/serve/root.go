package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/msgnet/cmd/util"
	"github.com/ValentinKolb/msgnet/lib/accounts"
	"github.com/ValentinKolb/msgnet/network/common"
	"github.com/ValentinKolb/msgnet/network/connection"
	"github.com/ValentinKolb/msgnet/network/handler"
	"github.com/ValentinKolb/msgnet/network/message"
	"github.com/ValentinKolb/msgnet/network/server"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Logger = logger.GetLogger("cli")

var (
	serveCmdConfig = common.DefaultServerConfig()
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the msgnet server",
		Long:    `Start the msgnet server with the account handlers (registration, login and message store). The configuration can be set via command line flags or environment variables. The format of the environment variables is MSGNET_<flag> (e.g. MSGNET_MAX_CONNECTIONS=100)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	defaults := common.DefaultServerConfig()

	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, defaults.Endpoint, cmdUtil.WrapString("The address on which the server will listen (host:port)"))

	key = "timeout"
	ServeCmd.PersistentFlags().Duration(key, defaults.Timeout, cmdUtil.WrapString("Write timeout per message (0 disables it)"))

	key = "idle-timeout"
	ServeCmd.PersistentFlags().Duration(key, defaults.IdleTimeout, cmdUtil.WrapString("Clients that send nothing for this long are disconnected (0 disables it)"))

	key = "max-body"
	ServeCmd.PersistentFlags().Uint32(key, defaults.MaxBodyLength, cmdUtil.WrapString("Largest accepted message body in bytes, clients announcing more are disconnected (0 disables the limit)"))

	key = "workers"
	ServeCmd.PersistentFlags().Int(key, defaults.Workers, cmdUtil.WrapString("Base size of the worker pool that writes outgoing messages"))

	key = "max-workers"
	ServeCmd.PersistentFlags().Int(key, defaults.MaxWorkers, cmdUtil.WrapString("Upper bound of the worker pool while the inbound backlog is high"))

	key = "scale-high-water"
	ServeCmd.PersistentFlags().Int(key, defaults.ScaleHighWater, cmdUtil.WrapString("Inbound backlog above which the worker pool grows"))

	key = "scale-low-water"
	ServeCmd.PersistentFlags().Int(key, defaults.ScaleLowWater, cmdUtil.WrapString("Inbound backlog below which the worker pool shrinks back"))

	key = "max-connections"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Maximum number of concurrently connected clients (0 means unlimited)"))

	key = "first-connection-id"
	ServeCmd.PersistentFlags().Uint32(key, defaults.FirstConnectionID, cmdUtil.WrapString("The id given to the first accepted client"))

	key = "events"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Log connection lifecycle events as they happen"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Serve Prometheus metrics on this address under /metrics (e.g. localhost:9100, empty disables it)"))

	key = "bcrypt-cost"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("bcrypt cost for stored passwords (0 uses the library default)"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, defaults.LogLevel, cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	cmdUtil.SetupTCPFlags(ServeCmd)
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.Timeout = viper.GetDuration("timeout")
	serveCmdConfig.IdleTimeout = viper.GetDuration("idle-timeout")
	serveCmdConfig.MaxBodyLength = viper.GetUint32("max-body")
	serveCmdConfig.Workers = viper.GetInt("workers")
	serveCmdConfig.MaxWorkers = viper.GetInt("max-workers")
	serveCmdConfig.ScaleHighWater = viper.GetInt("scale-high-water")
	serveCmdConfig.ScaleLowWater = viper.GetInt("scale-low-water")
	serveCmdConfig.MaxConnections = viper.GetInt("max-connections")
	serveCmdConfig.FirstConnectionID = viper.GetUint32("first-connection-id")
	serveCmdConfig.Events = viper.GetBool("events")
	serveCmdConfig.TCP = cmdUtil.GetTCPConf()
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	if serveCmdConfig.Workers < 1 {
		return fmt.Errorf("invalid worker count %d (must be at least 1)", serveCmdConfig.Workers)
	}
	if serveCmdConfig.MaxConnections < 0 {
		return fmt.Errorf("invalid connection limit %d", serveCmdConfig.MaxConnections)
	}

	return common.InitLoggers(serveCmdConfig.LogLevel)
}

// run starts the msgnet server and runs its update loop until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	Logger.Infof("starting msgnet server with config:\n%s", serveCmdConfig.String())

	var srv *server.Server
	registry := accounts.NewRegistry(accounts.Options{
		Cost: viper.GetInt("bcrypt-cost"),
		OnStored: func(origin message.ConnID, m accounts.StoredMessage) {
			broadcast, err := accounts.NewBroadcast(m)
			if err != nil {
				Logger.Warningf("failed to encode broadcast of message %d: %v", m.ID, err)
				return
			}
			sender, _ := srv.Lookup(origin)
			srv.MessageAllClients(broadcast, sender)
		},
	})

	chain := handler.NewChain()
	accounts.Install(chain, registry)

	srv = server.NewServer(serveCmdConfig, chain, server.Hooks{
		OnClientDisconnect: func(c *connection.Connection) {
			Logger.Infof("client %s disconnected", c)
			registry.Logout(c.ID())
		},
	})
	if err := srv.Start(); err != nil {
		return err
	}
	Logger.Infof("listening on %s", srv.Addr())

	if serveCmdConfig.Events {
		go logEvents(srv.Events())
	}

	metricsServer := serveMetrics(viper.GetString("metrics-endpoint"), srv)

	// stop on SIGINT / SIGTERM, Stop wakes the blocked Update below
	var stopping atomic.Bool
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		Logger.Infof("received %s, shutting down", sig)
		stopping.Store(true)
		srv.Stop()
	}()

	for !stopping.Load() {
		srv.Update(true)
	}

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(ctx)
	}

	stats := srv.Metrics().Stats()
	Logger.Infof("server stopped (messages in: %d, out: %d, clients: %d)", stats.MessagesIn, stats.MessagesOut, stats.Accepted)
	return nil
}

func logEvents(events <-chan *server.Event) {
	for e := range events {
		Logger.Infof("event: %s", e)
	}
}

// serveMetrics exposes the server metrics in Prometheus format, nil if addr is empty
func serveMetrics(addr string, srv *server.Server) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		srv.Metrics().WritePrometheus(w)
	})

	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("metrics endpoint failed: %v", err)
		}
	}()
	Logger.Infof("serving metrics on http://%s/metrics", addr)
	return hs
}
