// Command quicengine-demo drives internal/quicengine.Engine over a real
// UDP socket: one echo Connection for one peer, a ticker-driven process loop,
// and an fsnotify-watched settings file for live reconfiguration.
// Bare flag package, no CLI framework, plain fmt/os error reporting.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/orizon-lang/quicmux/internal/quicengine"
	"github.com/orizon-lang/quicmux/internal/quicengine/conniface"
	"github.com/orizon-lang/quicmux/internal/quicengine/ingress"
	"github.com/orizon-lang/quicmux/internal/quicengine/netio"
)

type demoLogger struct{ verbose bool }

func (l *demoLogger) Logf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[%s] quicengine-demo: %s\n", time.Now().Format("15:04:05.000"), fmt.Sprintf(format, args...))
}

func main() {
	var (
		listenAddr string
		configPath string
		tickMillis int
		verbose    bool
		viaHTTP3   bool
	)

	flag.StringVar(&listenAddr, "listen", "127.0.0.1:4433", "UDP address to listen on")
	flag.StringVar(&configPath, "config", "", "JSON settings file to watch for live reconfiguration (optional)")
	flag.IntVar(&tickMillis, "tick-ms", 10, "process loop tick interval in milliseconds")
	flag.BoolVar(&verbose, "verbose", false, "verbose logging")
	flag.BoolVar(&viaHTTP3, "via-http3", false, "run the quic-go/http3 echo demo instead of the hand-rolled engine")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\nRuns a UDP echo QUIC-mux engine demo.\n\n", os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	logger := &demoLogger{verbose: verbose}

	if viaHTTP3 {
		if err := runHTTP3Demo(listenAddr, logger); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		return
	}

	settings := quicengine.Settings{
		SCIDLen:              8,
		CFCW:                 1 << 20,
		SFCW:                 1 << 18,
		IdleTimeoutSeconds:   30,
		ProcTimeThreshMicros: 2000,
		RequireEncryption:    false,
	}

	if v, err := quicengine.ParseVersionConstraint(">=1.0.0,<2.0.0"); err == nil {
		settings.Versions = v
	}

	sink, err := netio.ListenPacketConnSink(listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: listen %s: %v\n", listenAddr, err)
		os.Exit(1)
	}

	defer sink.Close()

	alloc := netio.NewBufferPool()

	eng, err := quicengine.NewEngine(settings, quicengine.Options{
		Sink:  sink,
		Alloc: alloc,
		Parsers: quicengine.ParserSet{
			Generic: genericParser{},
		},
		Logger: logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if configPath != "" {
		if fs, err := loadFileSettings(configPath); err == nil {
			if err := eng.Reconfigure(applyFileSettings(settings, fs)); err != nil {
				logger.Logf("initial config apply failed: %v", err)
			}
		}

		watcher, err := watchConfig(configPath, logger, func(fs fileSettings) {
			if err := eng.Reconfigure(applyFileSettings(settings, fs)); err != nil {
				logger.Logf("reconfigure rejected: %v", err)
			} else {
				logger.Logf("reconfigured from %s", configPath)
			}
		})
		if err != nil {
			logger.Logf("config watch disabled: %v", err)
		} else {
			defer watcher.Close()
		}
	}

	var connsMu sync.Mutex

	var conn *echoConn

	go recvLoop(sink, eng, &connsMu, &conn, logger)

	ticker := time.NewTicker(time.Duration(tickMillis) * time.Millisecond)
	defer ticker.Stop()

	epoch := time.Now()

	logger.Logf("listening on %s", sink.LocalAddr())

	for range ticker.C {
		now := conniface.Micros(time.Since(epoch).Microseconds())
		eng.ProcessConns(now)
	}
}

// recvLoop reads inbound demo-framed datagrams and hands them to the
// engine. The demo supports one active peer connection at a time (see
// framing.go): the first peer to send a frame owns the connection until
// the process exits.
func recvLoop(sink *netio.PacketConnSink, eng *quicengine.Engine, mu *sync.Mutex, conn **echoConn, logger *demoLogger) {
	buf := make([]byte, 2048)
	epoch := time.Now()

	for {
		n, peer, err := sink.ReadDatagram(buf)
		if err != nil {
			logger.Logf("read error: %v", err)

			return
		}

		mu.Lock()

		if *conn == nil {
			cid := conniface.CID(demoCID)
			ec := newEchoConn(cid, 1)
			*conn = ec

			if _, err := eng.Connect([2]byte{byte(peer.Port() >> 8), byte(peer.Port())}, []conniface.CID{cid}, func([]conniface.CID) conniface.Connection {
				return ec
			}); err != nil {
				logger.Logf("connect %s failed: %v", peer, err)
				*conn = nil
				mu.Unlock()

				continue
			}

			logger.Logf("accepted connection from %s", peer)
		}

		mu.Unlock()

		payload := make([]byte, n)
		copy(payload, buf[:n])

		if _, err := eng.PacketIn(ingress.Datagram{
			Buf:  payload,
			Peer: peer,
			Now:  conniface.Micros(time.Since(epoch).Microseconds()),
		}); err != nil {
			logger.Logf("packet_in from %s: %v", peer, err)
		}
	}
}

// runHTTP3Demo serves netio.HTTP3DemoServer on listenAddr until interrupted,
// entirely bypassing quicengine.Engine: it exists to show the engine's
// DatagramSink boundary sitting next to an off-the-shelf QUIC stack in the
// same binary, not to exercise the engine itself.
func runHTTP3Demo(listenAddr string, logger *demoLogger) error {
	host, _, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return fmt.Errorf("via-http3: %w", err)
	}

	tlsConf, err := generateSelfSignedTLS(host, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("via-http3: generating TLS config: %w", err)
	}

	srv := netio.NewHTTP3DemoServer(listenAddr, tlsConf)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Logf("via-http3: serving quic-go/http3 echo on %s", listenAddr)

	if err := srv.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
		return err
	}

	return nil
}
