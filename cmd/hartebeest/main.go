// Command hartebeest is the CLI entrypoint for the coordination library:
// it enumerates HCAs and drives the bootstrap-then-connect sequence against
// either the socket or the key-value-store Metadata Exchanger.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/sjoon-oh/hartebeest-go/internal/config"
	"github.com/sjoon-oh/hartebeest-go/internal/exchange/kv"
	"github.com/sjoon-oh/hartebeest-go/internal/exchange/socket"
	"github.com/sjoon-oh/hartebeest-go/internal/hartebeest"
	"github.com/sjoon-oh/hartebeest-go/internal/ibverbs"
	"github.com/sjoon-oh/hartebeest-go/internal/metrics"
	"github.com/sjoon-oh/hartebeest-go/internal/netview"
	"github.com/sjoon-oh/hartebeest-go/internal/retcode"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:            "hartebeest",
		Usage:           "InfiniBand/RDMA resource coordination bootstrap CLI",
		ArgsUsage:       " ",
		HideHelpCommand: true,
		Commands: []*cli.Command{
			devicesCommand(),
			bootstrapCommand(),
			attrsCommand(),
		},
	}
}

// devicesCommand enumerates HCAs and, for each one, reports every port's
// state, link layer and LID — the read-only half of the Device
// Manager (spec.md §4.1).
func devicesCommand() *cli.Command {
	return &cli.Command{
		Name:      "devices",
		Usage:     "List HCAs visible on this host and their port states.",
		ArgsUsage: " ",
		Action: func(c *cli.Context) error {
			devices, err := ibverbs.ListDevices()
			if err != nil {
				return fmt.Errorf("enumerate devices: %w", err)
			}
			if len(devices) == 0 {
				fmt.Println("no InfiniBand devices found")
				return nil
			}
			for i, d := range devices {
				fmt.Printf("[%d] %s (guid=%s ports=%d)\n", i, d.Name, d.NodeGUIDString(), d.NumPorts)
				for _, p := range d.Ports {
					fmt.Printf("    port %d: state=%s link=%s lid=0x%04x\n", p.PortNum, p.State, p.LinkLayer, p.LID)
				}
			}
			return nil
		},
	}
}

// attrsCommand prints the resolved tuned-attribute table as JSON. Its flags
// are parsed with a dedicated pflag.FlagSet rather than urfave/cli's own
// flag struct, matching how the attribute-table loader is meant to be
// embeddable behind a plain GNU-style flag parser independent of the rest
// of this app's command tree.
func attrsCommand() *cli.Command {
	return &cli.Command{
		Name:            "attrs",
		Usage:           "Print the resolved tuned-attribute table as JSON.",
		ArgsUsage:       "[--conf PATH]",
		SkipFlagParsing: true,
		Action: func(c *cli.Context) error {
			fs := pflag.NewFlagSet("attrs", pflag.ContinueOnError)
			confPath := fs.String("conf", "", "Path to the tuned-attribute JSON file overriding built-in defaults.")
			if err := fs.Parse(c.Args().Slice()); err != nil {
				return err
			}

			attrs, r := config.LoadAttributes(*confPath)
			if r != nil {
				return r
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(attrs)
		},
	}
}

func bootstrapCommand() *cli.Command {
	var exchanger string
	var preConfPath string
	var confPath string
	var deviceIndex int
	var metricsAddr string

	return &cli.Command{
		Name:      "bootstrap",
		Usage:     "Create local RDMA resources, exchange addressing metadata, and connect.",
		ArgsUsage: " ",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "exchanger",
				Usage:       `Metadata exchanger to use: "socket" or "kv".`,
				Value:       "socket",
				Destination: &exchanger,
			},
			&cli.StringFlag{
				Name:        "pre-conf",
				Usage:       "Path to the pre-conf JSON document (topology).",
				Required:    true,
				Destination: &preConfPath,
			},
			&cli.StringFlag{
				Name:        "attrs",
				Usage:       "Path to the tuned-attribute JSON file overriding built-in defaults.",
				Destination: &confPath,
				EnvVars:     []string{"HARTEBEEST_CONF_PATH"},
			},
			&cli.IntFlag{
				Name:        "device-index",
				Usage:       "Index of the HCA to open, among the enumerated devices.",
				Value:       0,
				Destination: &deviceIndex,
			},
			&cli.StringFlag{
				Name:        "metrics-addr",
				Usage:       "If set, serve Prometheus metrics at http://ADDR/metrics for the duration of bootstrap.",
				Destination: &metricsAddr,
			},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if metricsAddr != "" {
				stopMetrics, err := serveMetrics(ctx, metricsAddr)
				if err != nil {
					return err
				}
				defer stopMetrics()
			}
			return runBootstrap(ctx, exchanger, preConfPath, confPath, deviceIndex)
		},
	}
}

// serveMetrics registers the metrics package's collectors against the
// default registry and serves them at /metrics until ctx is cancelled or the
// returned stop func is called.
func serveMetrics(ctx context.Context, addr string) (func(), error) {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	logger := klog.FromContext(ctx)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "metrics server exited")
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	return func() { srv.Shutdown(context.Background()) }, nil
}

func runBootstrap(ctx context.Context, exchangerKind, preConfPath, attrsPath string, deviceIndex int) error {
	logger := klog.FromContext(ctx)

	env, r := config.LoadEnv()
	if r != nil {
		return r
	}
	if attrsPath == "" {
		attrsPath = env.ConfPath
	}
	attrs, r := config.LoadAttributes(attrsPath)
	if r != nil {
		return r
	}

	preConfData, err := os.ReadFile(preConfPath)
	if err != nil {
		return fmt.Errorf("read pre-conf: %w", err)
	}
	preConf, r := netview.ParsePreConf(preConfData)
	if r != nil {
		return r
	}

	core := hartebeest.NewCore(attrs)
	if r := core.OpenDevice(deviceIndex, 1); r != nil {
		return r
	}
	logger.Info("device opened", "handle", core.Device().String())

	if _, r := core.CreateLocalPD("pd-1"); r != nil {
		return r
	}
	if _, r := core.CreateLocalMR("pd-1", "mr-1", 4096); r != nil {
		return r
	}
	if _, r := core.CreateLocalCQ("send-cq"); r != nil {
		return r
	}
	if _, r := core.CreateLocalCQ("recv-cq"); r != nil {
		return r
	}
	if _, r := core.CreateLocalQP("pd-1", "qp-1", config.RC, "send-cq", "recv-cq"); r != nil {
		return r
	}

	myView := core.ExportView(env.NodeID)

	switch exchangerKind {
	case "socket":
		return runSocketBootstrap(ctx, preConf, myView)
	case "kv":
		return runKVBootstrap(ctx, env)
	default:
		return fmt.Errorf("unknown exchanger %q (want socket or kv)", exchangerKind)
	}
}

func runSocketBootstrap(ctx context.Context, preConf netview.PreConf, myView netview.ThisNodeConf) error {
	logger := klog.FromContext(ctx)
	self := preConf.Participants[preConf.Index]

	var post netview.PostConf
	var r *retcode.Retcode

	if self.NID == 0 {
		addr := fmt.Sprintf(":%d", preConf.Port)
		post, r = socket.RunAggregator(ctx, addr, myView, len(preConf.Participants)-1)
	} else {
		aggregator := preConf.Participants[0]
		addr := fmt.Sprintf("%s:%d", aggregator.IP, preConf.Port)
		post, r = socket.RunPeer(ctx, addr, myView)
	}
	if r != nil {
		return fmt.Errorf("socket exchange: %w", r)
	}

	logger.Info("socket exchange complete", "nodes", len(post))
	return nil
}

func runKVBootstrap(ctx context.Context, env config.Env) error {
	logger := klog.FromContext(ctx)

	client := memcache.New(env.ExcIPPort)
	exchanger := kv.New(client)

	if r := exchanger.PushGeneral(fmt.Sprintf("node-%d-ready", env.NodeID)); r != nil {
		return r
	}
	logger.Info("kv bootstrap: readiness published", "node", env.NodeID)
	return nil
}
