//go:build linux

// Command pivot bridges a TUN interface to the host socket API: raw
// IPv4 packets read from the device are terminated on host sockets and
// the replies are written back as synthesized packets.
package main

import (
	"flag"
	"log"
	"os"
	"time"

	"github.com/songgao/water"
	"golang.org/x/sys/unix"

	"github.com/Clouded-Sabre/socktun/config"
	"github.com/Clouded-Sabre/socktun/lib"
)

const purgeInterval = time.Second

func main() {
	tunName := flag.String("tun", "socktun0", "TUN interface name")
	configFile := flag.String("config", "config.yaml", "Configuration file")
	flag.Parse()

	var err error
	config.AppConfig, err = config.ReadConfig(*configFile)
	if err != nil {
		log.Fatalln("Configuration file error:", err)
	}

	iface, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: *tunName,
		},
	})
	if err != nil {
		log.Fatalln("Cannot open TUN device:", err)
	}
	defer iface.Close()

	tunFile, ok := iface.ReadWriteCloser.(*os.File)
	if !ok {
		log.Fatalln("TUN device is not file-backed")
	}
	tunFd := int(tunFile.Fd())
	if err := unix.SetNonblock(tunFd, true); err != nil {
		log.Fatalln("Cannot set TUN non-blocking:", err)
	}

	coreConfig := &lib.TunCoreConfig{
		MaxWindowSize:     config.AppConfig.MaxWindowSize,
		PayloadPoolSize:   config.AppConfig.PayloadPoolSize,
		TcpTimeout:        config.AppConfig.TcpTimeout,
		UdpTimeout:        config.AppConfig.UdpTimeout,
		IcmpTimeout:       config.AppConfig.IcmpTimeout,
		MaxOpenSockets:    config.AppConfig.MaxOpenSockets,
		SocketsAfterPurge: config.AppConfig.SocketsAfterPurge,
		SkipICMP:          config.AppConfig.SkipICMP,
		Debug:             config.AppConfig.Debug,
	}

	callbacks := lib.Callbacks{
		SendClient: func(t *lib.TunCore, pkt []byte, conn *lib.Connection) error {
			_, err := iface.Write(pkt)
			return err
		},
	}

	core, err := lib.NewTunCore(coreConfig, callbacks, nil)
	if err != nil {
		log.Fatalln("Cannot start engine:", err)
	}
	defer core.Close()

	log.Printf("Pivoting %s through the host socket API", *tunName)

	pktBuf := make([]byte, lib.ReplyBufSize)
	lastPurge := time.Now()

	for {
		var rdFds, wrFds unix.FdSet
		maxFd := core.Fds(&rdFds, &wrFds)

		rdFds.Set(tunFd)
		if tunFd > maxFd {
			maxFd = tunFd
		}

		tv := unix.NsecToTimeval(int64(purgeInterval))
		n, err := unix.Select(maxFd+1, &rdFds, &wrFds, nil, &tv)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Fatalln("select error:", err)
		}

		if n > 0 {
			if rdFds.IsSet(tunFd) {
				rdFds.Clear(tunFd)
				drainTun(iface, core, pktBuf)
			}
			core.HandleReadiness(&rdFds, &wrFds)
		}

		if now := time.Now(); now.Sub(lastPurge) >= purgeInterval {
			core.PurgeExpired(now.Unix())
			lastPurge = now

			if config.AppConfig.Debug {
				var stats lib.Statistics
				core.GetStats(&stats)
				log.Printf("connections: tcp=%d udp=%d icmp=%d open_socks=%d",
					stats.NumTcpConns, stats.NumUdpConns, stats.NumIcmpConns, stats.NumOpenSockets)
			}
		}
	}
}

// drainTun forwards every packet currently queued on the device.
func drainTun(iface *water.Interface, core *lib.TunCore, pktBuf []byte) {
	for {
		n, err := iface.Read(pktBuf)
		if err != nil {
			// non-blocking device, nothing left to read
			return
		}

		if _, err := core.EasyForward(pktBuf[:n]); err != nil {
			log.Println("forward error:", err)
		}
	}
}
