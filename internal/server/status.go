package server

import (
	"net"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	"github.com/exprec-hq/exprec/internal/experiment"
	"github.com/exprec-hq/exprec/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// statusServer is the optional HTTP side channel for liveness and backlog
// inspection. It never touches the recording protocol.
type statusServer struct {
	srv *fasthttp.Server
	ln  net.Listener
}

func newStatusServer(addr string, iface *experiment.Interface) (*statusServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &statusServer{
		srv: &fasthttp.Server{
			Name:    "exprec",
			Handler: statusHandler(iface),
		},
		ln: ln,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil {
			logger.Get().Warn().Err(err).Msg("status endpoint stopped")
		}
	}()

	logger.Get().Info().Str("address", ln.Addr().String()).Msg("status endpoint listening")
	return s, nil
}

func statusHandler(iface *experiment.Interface) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !ctx.IsGet() {
			ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
			return
		}

		switch string(ctx.Path()) {
		case "/health":
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"status":"ok"}`)

		case "/backlog":
			chunks, records := iface.Backlog()
			body, err := json.Marshal(map[string]int{
				"chunks":          chunks,
				"chunk_size":      iface.ChunkSize(),
				"record_estimate": records,
			})
			if err != nil {
				ctx.Error("internal error", fasthttp.StatusInternalServerError)
				return
			}
			ctx.SetContentType("application/json")
			ctx.SetBody(body)

		default:
			ctx.Error("not found", fasthttp.StatusNotFound)
		}
	}
}

func (s *statusServer) close() {
	s.srv.Shutdown()
}
