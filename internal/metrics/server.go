package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/fachebot/evm-swap-engine/internal/logger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	srv *http.Server
}

// NewServer 端口为0时返回nil
func NewServer(port int) *Server {
	if port == 0 {
		return nil
	}
	return &Server{
		srv: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: promhttp.Handler(),
		},
	}
}

func (s *Server) Start() {
	if s == nil {
		return
	}

	go func() {
		logger.Infof("[Metrics] 开始监听 %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("[Metrics] 服务异常退出, %v", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
