package daemon

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	gosync "sync"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/matheus3301/voipsms/internal/config"
	"github.com/matheus3301/voipsms/internal/status"
	"github.com/matheus3301/voipsms/internal/store"
	intsync "github.com/matheus3301/voipsms/internal/sync"
	"go.uber.org/zap"
)

// Hooks is the HTTP endpoint the provider calls when a message arrives,
// plus /metrics and /healthz. It is disabled when hooks.listen is empty.
type Hooks struct {
	live   *config.Live
	coord  *intsync.Coordinator
	status *status.Machine
	logger *zap.Logger

	router *echo.Echo
	server *http.Server
	lis    net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// NewHooks builds the hook server. Request metrics go to the default
// prometheus registry, so they are only collected when p.Registerer is nil.
func NewHooks(p Params, live *config.Live, coord *intsync.Coordinator, st *status.Machine, logger *zap.Logger) *Hooks {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hooks{
		live:   live,
		coord:  coord,
		status: st,
		logger: logger.Named("hooks"),
		ctx:    ctx,
		cancel: cancel,
	}
	h.router = h.routes(p.Registerer == nil)
	return h
}

func (h *Hooks) routes(instrument bool) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			h.logger.Debug("request",
				zap.String("method", v.Method),
				zap.String("path", v.URIPath),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))
	if instrument {
		e.Use(echoprometheus.NewMiddleware("voipsms"))
	}

	e.GET("/hooks/sms", h.handleSMS)
	e.POST("/hooks/sms", h.handleSMS)
	e.GET("/healthz", h.handleHealth)
	e.GET("/metrics", echoprometheus.NewHandler())
	return e
}

// handleSMS starts a partial sync of the line named by did. The provider only
// needs an acknowledgement, so the sync runs after the response.
func (h *Hooks) handleSMS(c echo.Context) error {
	want := h.live.Get().Hooks.Token
	if want == "" || subtle.ConstantTimeCompare([]byte(c.QueryParam("token")), []byte(want)) != 1 {
		return echo.NewHTTPError(http.StatusUnauthorized, "bad token")
	}
	line := c.QueryParam("did")
	if line == "" {
		line = c.QueryParam("to")
	}
	if err := store.ValidatePhone("did", line); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !slices.Contains(h.live.Get().Lines, line) {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("line %s is not configured", line))
	}
	req := intsync.Request{Lines: []string{line}, Mode: intsync.ModePartial}
	if from := c.QueryParam("from"); from != "" && store.ValidatePhone("from", from) == nil {
		req.Contact = from
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		res, err := h.coord.Sync(h.ctx, req)
		if err != nil {
			if h.ctx.Err() == nil {
				h.logger.Warn("hook sync failed", zap.String("line", line), zap.Error(err))
			}
			return
		}
		h.logger.Info("hook sync finished", zap.String("line", line), zap.Int("new_messages", res.NewMessageCount))
	}()
	return c.String(http.StatusOK, "ok")
}

func (h *Hooks) handleHealth(c echo.Context) error {
	snap := h.status.Snapshot()
	code := http.StatusOK
	if snap.State == status.Error {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]any{
		"state":  snap.State,
		"since":  snap.Since.UTC().Format(time.RFC3339),
		"reason": snap.Reason,
	})
}

// Start binds hooks.listen and serves in the background. The address is
// read once; changing it needs a restart.
func (h *Hooks) Start() error {
	addr := h.live.Get().Hooks.Listen
	if addr == "" {
		return nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen hooks: %w", err)
	}
	h.lis = lis
	h.server = &http.Server{Handler: h.router, ReadHeaderTimeout: 10 * time.Second}
	h.logger.Info("hook server starting", zap.String("addr", lis.Addr().String()))
	go func() {
		if err := h.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("hook server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or "" when the server is disabled.
func (h *Hooks) Addr() string {
	if h.lis == nil {
		return ""
	}
	return h.lis.Addr().String()
}

// Stop shuts the server down and cancels syncs it started.
func (h *Hooks) Stop(ctx context.Context) error {
	h.cancel()
	var err error
	if h.server != nil {
		err = h.server.Shutdown(ctx)
	}
	h.wg.Wait()
	return err
}
