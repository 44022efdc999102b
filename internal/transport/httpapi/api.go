package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gocraft/web"

	"turtlecraft.ai/internal/protocol"
	"turtlecraft.ai/internal/sim/dispatch"
	"turtlecraft.ai/internal/sim/plots"
)

const notFoundReply = "Turtle not found"

// Turtles is the slice of the dispatch service the robot routes need.
type Turtles interface {
	Poll(ctx context.Context, name string) (string, error)
	SetOrders(ctx context.Context, name string, orders []protocol.Command) (bool, error)
	SetInfo(ctx context.Context, name, topic, value string) (bool, error)
	Info(ctx context.Context, name, topic string) (string, bool, error)
	Turtle(ctx context.Context, name string) (dispatch.Turtle, bool, error)
	Turtles(ctx context.Context) ([]dispatch.Turtle, error)
	Stats() dispatch.Stats
}

type PlotLister interface {
	List(ctx context.Context) ([]plots.MiningPlot, error)
}

type Config struct {
	Turtles Turtles
	Plots   PlotLister
	// MacroFile is the Lua program served at /luafile.
	MacroFile string
	// Admin mounts /admin/v1 for loopback callers.
	Admin   bool
	Timeout time.Duration
	Logger  *log.Logger
}

// Context is allocated per request by the router; deps are copied in by the
// first middleware.
type Context struct {
	cfg   *Config
	start time.Time
}

type adminContext struct {
	*Context
}

func NewRouter(cfg Config) *web.Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := &cfg
	router := web.New(Context{}).
		Middleware(func(ctx *Context, rw web.ResponseWriter, req *web.Request, next web.NextMiddlewareFunc) {
			ctx.cfg = c
			ctx.start = time.Now()
			next(rw, req)
		}).
		Middleware((*Context).logRequest).
		Get("/request/:name", (*Context).handlePoll).
		Post("/order/:name", (*Context).handleSetOrders).
		Post("/info/:name/:topic", (*Context).handleSetInfo).
		Get("/info/:name/:topic", (*Context).handleGetInfo).
		Get("/luafile", (*Context).handleLuaFile)
	router.NotFound(func(rw web.ResponseWriter, req *web.Request) {
		http.Error(rw, "not found", http.StatusNotFound)
	})

	if cfg.Admin {
		router.Subrouter(adminContext{}, "/admin/v1").
			Middleware((*adminContext).requireLoopback).
			Get("/turtles", (*adminContext).handleListTurtles).
			Get("/turtles/:name", (*adminContext).handleGetTurtle).
			Get("/plots", (*adminContext).handleListPlots).
			Get("/stats", (*adminContext).handleStats)
	}
	return router
}

func (c *Context) logRequest(rw web.ResponseWriter, req *web.Request, next web.NextMiddlewareFunc) {
	next(rw, req)
	if c.cfg.Logger != nil && rw.StatusCode() >= 400 {
		c.cfg.Logger.Printf("%s %s -> %d (%s)", req.Method, req.URL.Path, rw.StatusCode(), time.Since(c.start).Round(time.Microsecond))
	}
}

func (c *Context) reqContext(req *web.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(req.Context(), c.cfg.Timeout)
}

func (c *Context) handlePoll(rw web.ResponseWriter, req *web.Request) {
	ctx, cancel := c.reqContext(req)
	defer cancel()
	out, err := c.cfg.Turtles.Poll(ctx, req.PathParams["name"])
	if err != nil {
		c.fail(rw, "poll", err)
		return
	}
	writeText(rw, out)
}

func (c *Context) handleSetOrders(rw web.ResponseWriter, req *web.Request) {
	if err := req.ParseForm(); err != nil {
		c.fail(rw, "order", protocol.MalformedInput("parse form", err))
		return
	}
	orders, err := protocol.ParseOrders(req.PostFormValue("orders"))
	if err != nil {
		c.fail(rw, "order", err)
		return
	}
	ctx, cancel := c.reqContext(req)
	defer cancel()
	found, err := c.cfg.Turtles.SetOrders(ctx, req.PathParams["name"], orders)
	if err != nil {
		c.fail(rw, "order", err)
		return
	}
	writeFound(rw, found)
}

func (c *Context) handleSetInfo(rw web.ResponseWriter, req *web.Request) {
	if err := req.ParseForm(); err != nil {
		c.fail(rw, "info", protocol.MalformedInput("parse form", err))
		return
	}
	ctx, cancel := c.reqContext(req)
	defer cancel()
	found, err := c.cfg.Turtles.SetInfo(ctx, req.PathParams["name"], req.PathParams["topic"], req.PostFormValue("info"))
	if err != nil {
		c.fail(rw, "info", err)
		return
	}
	writeFound(rw, found)
}

func (c *Context) handleGetInfo(rw web.ResponseWriter, req *web.Request) {
	ctx, cancel := c.reqContext(req)
	defer cancel()
	name := req.PathParams["name"]
	v, found, err := c.cfg.Turtles.Info(ctx, name, req.PathParams["topic"])
	if err != nil {
		c.fail(rw, "info", err)
		return
	}
	if !found {
		writeText(rw, "No turtle with name: "+name+" found")
		return
	}
	writeText(rw, v)
}

func (c *Context) handleLuaFile(rw web.ResponseWriter, req *web.Request) {
	if c.cfg.MacroFile == "" {
		http.Error(rw, "no macro file configured", http.StatusNotFound)
		return
	}
	b, err := os.ReadFile(c.cfg.MacroFile)
	if errors.Is(err, fs.ErrNotExist) {
		http.Error(rw, "macro file not found", http.StatusNotFound)
		return
	}
	if err != nil {
		c.fail(rw, "luafile", err)
		return
	}
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = rw.Write(b)
}

func (c *adminContext) requireLoopback(rw web.ResponseWriter, req *web.Request, next web.NextMiddlewareFunc) {
	if !IsLoopbackRemote(req.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	next(rw, req)
}

func (c *adminContext) handleListTurtles(rw web.ResponseWriter, req *web.Request) {
	ts, err := c.cfg.Turtles.Turtles(req.Context())
	if err != nil {
		c.fail(rw, "admin turtles", err)
		return
	}
	if ts == nil {
		ts = []dispatch.Turtle{}
	}
	writeJSON(rw, ts)
}

func (c *adminContext) handleGetTurtle(rw web.ResponseWriter, req *web.Request) {
	t, found, err := c.cfg.Turtles.Turtle(req.Context(), req.PathParams["name"])
	if err != nil {
		c.fail(rw, "admin turtle", err)
		return
	}
	if !found {
		http.Error(rw, "turtle not found", http.StatusNotFound)
		return
	}
	writeJSON(rw, t)
}

func (c *adminContext) handleListPlots(rw web.ResponseWriter, req *web.Request) {
	if c.cfg.Plots == nil {
		writeJSON(rw, []plots.MiningPlot{})
		return
	}
	ps, err := c.cfg.Plots.List(req.Context())
	if err != nil {
		c.fail(rw, "admin plots", err)
		return
	}
	if ps == nil {
		ps = []plots.MiningPlot{}
	}
	writeJSON(rw, ps)
}

func (c *adminContext) handleStats(rw web.ResponseWriter, req *web.Request) {
	writeJSON(rw, c.cfg.Turtles.Stats())
}

func (c *Context) fail(rw web.ResponseWriter, op string, err error) {
	code := protocol.CodeOf(err)
	status := StatusFor(code)
	if c.cfg.Logger != nil {
		c.cfg.Logger.Printf("%s failed: code=%s err=%v", op, code, err)
	}
	http.Error(rw, code, status)
}

// StatusFor maps an error code to the HTTP status the robot sees.
func StatusFor(code string) int {
	switch code {
	case protocol.ErrMalformedInput:
		return http.StatusBadRequest
	case protocol.ErrNotFound:
		return http.StatusNotFound
	case protocol.ErrStoreFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeText(rw http.ResponseWriter, s string) {
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = rw.Write([]byte(s))
}

func writeFound(rw http.ResponseWriter, found bool) {
	if found {
		writeText(rw, "ok")
		return
	}
	writeText(rw, notFoundReply)
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(v)
}

func IsLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
