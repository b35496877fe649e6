// http3demo wires github.com/quic-go/quic-go/http3 as an alternative
// demo transport, sitting next to the hand-rolled Engine rather than
// inside the core, which is built as a replacement for exactly this kind
// of off-the-shelf engine. It listens on its own socket through
// http3.Server and does not go through conniface.DatagramSink.
// Selected by cmd/quicengine-demo --via-http3.
package netio

import (
	"context"
	"crypto/tls"
	"net/http"

	"github.com/quic-go/quic-go/http3"
)

// HTTP3DemoServer runs a trivial HTTP/3 echo endpoint on top of
// quic-go/http3, used purely to demonstrate that the engine's
// DatagramSink abstraction and an off-the-shelf QUIC stack can coexist
// in the same binary; it does not share any state with quicengine.Engine.
type HTTP3DemoServer struct {
	srv *http3.Server
}

// NewHTTP3DemoServer builds a server listening on addr with the given
// TLS configuration, echoing the request body back to the client.
func NewHTTP3DemoServer(addr string, tlsConf *tls.Config) *HTTP3DemoServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		w.Header().Set("content-type", "application/octet-stream")
		buf := make([]byte, 4096)

		for {
			n, err := r.Body.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return
				}
			}

			if err != nil {
				return
			}
		}
	})

	return &HTTP3DemoServer{
		srv: &http3.Server{
			Addr:      addr,
			TLSConfig: tlsConf,
			Handler:   mux,
		},
	}
}

// ListenAndServe blocks serving HTTP/3 until ctx is cancelled or a fatal
// error occurs.
func (s *HTTP3DemoServer) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() { errCh <- s.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		_ = s.srv.Close()

		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *HTTP3DemoServer) Close() error { return s.srv.Close() }
