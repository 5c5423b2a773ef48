// Command echobackend is a minimal raw TCP/UDP echo server used to
// exercise the proxy's data planes end to end (§8 scenarios): unlike
// the teacher's HTTP/JSON test backend (tests/backend/main.go in the
// retrieved docker-lb repo), this specification forwards raw TCP/UDP
// traffic rather than HTTP requests, so the test backend here echoes
// whatever it receives, tagging each line with its own identity instead
// of returning JSON.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
)

func main() {
	addr := flag.String("addr", ":9000", "listen address")
	proto := flag.String("proto", "tcp", "tcp or udp")
	name := flag.String("name", "echo", "identity tag included in each reply")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck
	sugar := log.Sugar()

	var err error
	switch *proto {
	case "tcp":
		err = serveTCP(*addr, *name, sugar)
	case "udp":
		err = serveUDP(*addr, *name, sugar)
	default:
		fmt.Fprintln(os.Stderr, "echobackend: proto must be tcp or udp")
		os.Exit(1)
	}
	if err != nil {
		sugar.Fatalw("echobackend exited", "err", err)
	}
}

func serveTCP(addr, name string, log *zap.SugaredLogger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Infow("echobackend listening", "addr", addr, "proto", "tcp", "name", name)

	var count atomic.Uint64
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go func(c net.Conn) {
			defer c.Close()
			n := count.Add(1)
			scanner := bufio.NewScanner(c)
			for scanner.Scan() {
				fmt.Fprintf(c, "%s:%d:%s\n", name, n, scanner.Text())
			}
		}(conn)
	}
}

func serveUDP(addr, name string, log *zap.SugaredLogger) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	log.Infow("echobackend listening", "addr", addr, "proto", "udp", "name", name)

	var count atomic.Uint64
	buf := make([]byte, 64*1024)
	for {
		n, clientAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		c := count.Add(1)
		reply := fmt.Sprintf("%s:%d:%s", name, c, string(buf[:n]))
		if _, err := conn.WriteToUDP([]byte(reply), clientAddr); err != nil {
			log.Warnw("echobackend write failed", "err", err)
		}
	}
}
