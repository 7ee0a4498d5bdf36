package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	modbus "github.com/edgeo-scada/modbus-poll"
	"github.com/edgeo-scada/modbus-poll/hostnet"
	"github.com/edgeo-scada/modbus-poll/tcp"
)

var (
	serveBind        string
	serveIdleTimeout time.Duration
	serveExceptions  bool
	serveServerID    string
	serveStats       time.Duration
	serveWait        time.Duration
	serveHeartbeat   time.Duration
	serveHeartAddr   uint16
	serveSizes       [4]int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a Modbus TCP server",
	Long: `Run a Modbus TCP server backed by an in-memory register map.

The server answers one connection at a time. All socket and protocol work
happens in a single poll loop that sleeps in epoll between events.

Registers can be seeded from the config file:

  registers:
    holding:
      0: 1234
      1: 5678
    input:
      0: 100
  coils:
    0: true
  discrete_inputs:
    1: true`,
	Example: `  modbus-poll serve -p 1502
  modbus-poll serve -p 1502 --exceptions --stats 10s
  modbus-poll serve --heartbeat 1s --heartbeat-addr 99`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveBind, "bind", "0.0.0.0", "IPv4 address to listen on")
	serveCmd.Flags().DurationVar(&serveIdleTimeout, "idle-timeout", modbus.DefaultIdleTimeout, "Reset connections idle for this long (0 disables)")
	serveCmd.Flags().BoolVar(&serveExceptions, "exceptions", false, "Answer invalid requests with exception responses")
	serveCmd.Flags().StringVar(&serveServerID, "server-id", "Modbus Server", "Identifier reported by Report Server ID (FC17)")
	serveCmd.Flags().DurationVar(&serveStats, "stats", 0, "Log server metrics at this interval (0 disables)")
	serveCmd.Flags().DurationVar(&serveWait, "wait", 100*time.Millisecond, "Maximum time to sleep between polls")
	serveCmd.Flags().DurationVar(&serveHeartbeat, "heartbeat", 0, "Increment a holding register at this interval (0 disables)")
	serveCmd.Flags().Uint16Var(&serveHeartAddr, "heartbeat-addr", 0, "Holding register incremented by --heartbeat")
	serveCmd.Flags().IntVar(&serveSizes[0], "coils", 65536, "Number of coils")
	serveCmd.Flags().IntVar(&serveSizes[1], "discrete-inputs", 65536, "Number of discrete inputs")
	serveCmd.Flags().IntVar(&serveSizes[2], "input-registers", 65536, "Number of input registers")
	serveCmd.Flags().IntVar(&serveSizes[3], "holding-registers", 65536, "Number of holding registers")

	viper.BindPFlag("serve.bind", serveCmd.Flags().Lookup("bind"))
	viper.BindPFlag("serve.idle_timeout", serveCmd.Flags().Lookup("idle-timeout"))
	viper.BindPFlag("serve.exceptions", serveCmd.Flags().Lookup("exceptions"))
	viper.BindPFlag("serve.server_id", serveCmd.Flags().Lookup("server-id"))
	viper.BindPFlag("serve.stats", serveCmd.Flags().Lookup("stats"))
}

func runServe(cmd *cobra.Command, args []string) error {
	bind := net.ParseIP(viper.GetString("serve.bind"))
	if bind == nil {
		return fmt.Errorf("invalid bind address %q", viper.GetString("serve.bind"))
	}
	listenPort := viper.GetInt("port")
	if listenPort < 1 || listenPort > 65535 {
		return fmt.Errorf("invalid port %d", listenPort)
	}

	mem := modbus.NewMemoryContext(serveSizes[0], serveSizes[1], serveSizes[2], serveSizes[3])
	if err := seedRegisters(viper.GetViper(), mem); err != nil {
		return err
	}
	regs := modbus.NewLockedContext(mem)

	stack, err := hostnet.New(hostnet.WithBindAddress(bind))
	if err != nil {
		return fmt.Errorf("failed to create socket stack: %w", err)
	}
	defer stack.Close()

	sockets := tcp.NewSocketSet(stack)
	server, err := modbus.NewServer(sockets,
		tcp.NewBufferSize(modbus.MinSocketBufferSize*2),
		tcp.NewBufferSize(modbus.MinSocketBufferSize*2),
		regs,
		modbus.WithServerLogger(logger),
		modbus.WithPort(uint16(listenPort)),
		modbus.WithUnitID(modbus.UnitID(viper.GetUint("unit"))),
		modbus.WithIdleTimeout(viper.GetDuration("serve.idle_timeout")),
		modbus.WithExceptionResponses(viper.GetBool("serve.exceptions")),
		modbus.WithServerID([]byte(viper.GetString("serve.server_id"))),
	)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveHeartbeat > 0 {
		go heartbeat(ctx, regs, serveHeartAddr, serveHeartbeat)
	}

	logger.Info("starting Modbus TCP server",
		slog.String("bind", bind.String()),
		slog.Int("port", listenPort),
		slog.Uint64("unit_id", uint64(viper.GetUint("unit"))))

	stats := viper.GetDuration("serve.stats")
	lastStats := time.Now()
	for ctx.Err() == nil {
		now := time.Now()
		if err := stack.Poll(now); err != nil {
			return err
		}
		mutated, err := server.Poll(sockets)
		if err != nil && !errors.As(err, new(*modbus.ServerError)) {
			return err
		}
		if mutated {
			logger.Debug("registers written")
		}
		if err := stack.Poll(now); err != nil {
			return err
		}

		if stats > 0 && now.Sub(lastStats) >= stats {
			logger.Info("server stats", slog.Any("metrics", server.Metrics().Collect()))
			lastStats = now
		}

		if err := stack.Wait(serveWait); err != nil {
			return err
		}
	}

	logger.Info("server stopped")
	return nil
}

// heartbeat increments a holding register until ctx is done.
func heartbeat(ctx context.Context, regs *modbus.LockedContext, addr uint16, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := regs.Do(func(c modbus.Context) error {
				values, err := c.ReadRegisters(modbus.RegionHoldingRegisters, addr, 1)
				if err != nil {
					return err
				}
				return c.WriteRegisters(modbus.RegionHoldingRegisters, addr, []uint16{values[0] + 1})
			})
			if err != nil {
				logger.Warn("heartbeat failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}
