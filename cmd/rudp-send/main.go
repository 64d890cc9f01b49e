// Command rudp-send transfers a file to a listening receiver over the
// reliable datagram transport.
//
// Usage:
//
//	rudp-send <remote_ip> <remote_port> <input_file> [window_size]
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/mvera/rudp"
	"github.com/mvera/rudp/socket"
)

func main() {
	cfgPath := flag.String("config", "", "optional YAML config file")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <remote_ip> <remote_port> <input_file> [window_size]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	args := flag.Args()
	if len(args) < 3 || len(args) > 4 {
		flag.Usage()
		os.Exit(1)
	}
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	ip := args[0]
	port, err := strconv.Atoi(args[1])
	if err != nil || port <= 0 || port > 65535 {
		logrus.Errorf("invalid port %q", args[1])
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
	if len(args) == 4 {
		cfg.WindowSize, err = strconv.Atoi(args[3])
		if err != nil || cfg.WindowSize <= 0 {
			logrus.Errorf("invalid window size %q", args[3])
			os.Exit(1)
		}
	}

	f, err := os.Open(args[2])
	if err != nil {
		logrus.Errorf("open: %v", err)
		os.Exit(1)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		logrus.Errorf("stat: %v", err)
		os.Exit(1)
	}

	s := socket.New(cfg)
	if err := s.Connect(ip, port); err != nil {
		logrus.Errorf("connect: %v", err)
		os.Exit(1)
	}
	logrus.Infof("connected to %s", s.RemoteAddr())

	bar := progressbar.DefaultBytes(fi.Size(), "sending")
	buf := make([]byte, rudp.MSS)
	var sent int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			accepted, serr := s.Send(buf[:n])
			sent += int64(accepted)
			bar.Add(accepted)
			if serr != nil {
				logrus.Errorf("send: %v after %d bytes", serr, sent)
				printStats(s)
				os.Exit(1)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			logrus.Errorf("read: %v", err)
			printStats(s)
			os.Exit(1)
		}
	}

	if err := s.Close(); err != nil {
		logrus.Errorf("close: %v", err)
	}
	logrus.Infof("sent %d bytes from %s", sent, args[2])
	printStats(s)
}

func printStats(s *socket.Socket) {
	st := s.Stats()
	fmt.Printf("bytes_sent=%d bytes_received=%d packets_sent=%d packets_received=%d packets_retransmitted=%d packets_dropped=%d avg_throughput=%.0fB/s\n",
		st.BytesSent, st.BytesReceived, st.PacketsSent, st.PacketsReceived,
		st.PacketsRetransmitted, st.PacketsDropped, st.AverageThroughput)
}
