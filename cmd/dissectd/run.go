package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/riftpath/dissect/capture"
	"github.com/riftpath/dissect/gnet"
	"github.com/riftpath/dissect/mempool"
	"github.com/riftpath/dissect/proto"
)

func newRunCmd() *cobra.Command {
	var (
		iface      string
		pcapFile   string
		bpf        string
		metricAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture and dissect traffic from a live interface or a capture file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if iface == "" && pcapFile == "" {
				return fmt.Errorf("one of --iface or --pcap must be given")
			}

			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()
			sugar := log.Sugar()

			engine := proto.NewEngine(proto.RealClock, sugar, prometheus.DefaultRegisterer)

			if metricAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				srv := &http.Server{Addr: metricAddr, Handler: mux}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						sugar.Errorw("metrics server stopped", "error", err)
					}
				}()
			}

			pool, err := mempool.MakeBufferPool(64*1024*1024, 4*1024)
			if err != nil {
				return err
			}

			capture.RegisterDefaultProtos(engine, pool, func(t gnet.NetTraffic) {
				sugar.Infow("recovered content", "layer", t.LayerType, "content", t.Content.Print())
			})

			live := iface != ""
			readName := iface
			if !live {
				readName = pcapFile
			}

			src, err := capture.NewSource(engine, sugar,
				capture.WithReadName(readName, live),
				capture.WithBPF(bpf),
			)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			out, err := src.Run(ctx)
			if err != nil {
				return err
			}

			for t := range out {
				sugar.Infow("raw traffic", "layer", t.LayerType, "src", t.SrcIP, "dst", t.DstIP)
				t.Content.ReleaseBuffers()
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&iface, "iface", "", "live network interface to capture from")
	cmd.Flags().StringVar(&pcapFile, "pcap", "", "pcap/pcapng file to read from")
	cmd.Flags().StringVar(&bpf, "bpf", "", "BPF capture filter")
	cmd.Flags().StringVar(&metricAddr, "metrics-addr", "", "address to serve Prometheus metrics on (unset disables)")

	return cmd
}
