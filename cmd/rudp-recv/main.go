// Command rudp-recv accepts one connection and writes the received byte
// stream to a file.
//
// Usage:
//
//	rudp-recv <listen_port> <output_file> [window_size]
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/mvera/rudp/socket"
)

func main() {
	cfgPath := flag.String("config", "", "optional YAML config file")
	metricsAddr := flag.String("metrics", "", "serve prometheus metrics on this address, e.g. :9100")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <listen_port> <output_file> [window_size]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	args := flag.Args()
	if len(args) < 2 || len(args) > 3 {
		flag.Usage()
		os.Exit(1)
	}
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	port, err := strconv.Atoi(args[0])
	if err != nil || port <= 0 || port > 65535 {
		logrus.Errorf("invalid port %q", args[0])
		os.Exit(1)
	}

	var cfg socket.Config
	if *cfgPath != "" {
		cfg, err = socket.LoadConfig(*cfgPath)
		if err != nil {
			logrus.Errorf("config: %v", err)
			os.Exit(1)
		}
	}
	if len(args) == 3 {
		cfg.WindowSize, err = strconv.Atoi(args[2])
		if err != nil || cfg.WindowSize <= 0 {
			logrus.Errorf("invalid window size %q", args[2])
			os.Exit(1)
		}
	}

	out, err := os.Create(args[1])
	if err != nil {
		logrus.Errorf("create: %v", err)
		os.Exit(1)
	}
	defer out.Close()

	s := socket.New(cfg)
	if err := s.Bind(port); err != nil {
		logrus.Errorf("bind: %v", err)
		os.Exit(1)
	}
	if err := s.Listen(1); err != nil {
		logrus.Errorf("listen: %v", err)
		os.Exit(1)
	}

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(socket.NewCollector(s, "rudp"))
		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				logrus.Warnf("metrics: %v", err)
			}
		}()
	}

	logrus.Infof("listening on :%d", port)
	peer, err := s.Accept()
	if err != nil {
		logrus.Errorf("accept: %v", err)
		os.Exit(1)
	}
	logrus.Infof("connection from %s", peer)

	bar := progressbar.DefaultBytes(-1, "receiving")
	buf := make([]byte, 64*1024)
	var total int64
	for {
		n, err := s.Recv(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				logrus.Errorf("write: %v", werr)
				os.Exit(1)
			}
			total += int64(n)
			bar.Add(n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logrus.Errorf("recv: %v", err)
			printStats(s)
			os.Exit(1)
		}
	}

	if err := s.Close(); err != nil {
		logrus.Errorf("close: %v", err)
	}
	logrus.Infof("received %d bytes into %s", total, args[1])
	printStats(s)
}

func printStats(s *socket.Socket) {
	st := s.Stats()
	fmt.Printf("bytes_sent=%d bytes_received=%d packets_sent=%d packets_received=%d packets_retransmitted=%d packets_dropped=%d avg_throughput=%.0fB/s\n",
		st.BytesSent, st.BytesReceived, st.PacketsSent, st.PacketsReceived,
		st.PacketsRetransmitted, st.PacketsDropped, st.AverageThroughput)
}
