package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gocraft/web"

	"turtlecraft.ai/internal/persistence/docstore"
	"turtlecraft.ai/internal/protocol"
	"turtlecraft.ai/internal/sim/dispatch"
	"turtlecraft.ai/internal/sim/planner"
	"turtlecraft.ai/internal/sim/plots"
	"turtlecraft.ai/internal/sim/tuning"
)

func newTestRouter(t *testing.T, mutate func(*Config)) (*web.Router, *dispatch.Service) {
	t.Helper()
	s, err := docstore.Open(filepath.Join(t.TempDir(), "store.sqlite"), docstore.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	tu := tuning.Defaults()
	alloc := plots.NewAllocator(s.Collection(plots.CollectionName), plots.LayoutFromTuning(tu.Mining), planner.Planner{Legacy: true}, nil)
	d, err := dispatch.NewDispatcher(tu, alloc)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	svc := dispatch.NewService(s.Collection(dispatch.CollectionName), d, nil, nil)
	cfg := Config{Turtles: svc, Plots: alloc, Admin: true}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewRouter(cfg), svc
}

func do(t *testing.T, h http.Handler, method, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.RemoteAddr = "127.0.0.1:40000"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRobotRoutes(t *testing.T) {
	h, _ := newTestRouter(t, nil)

	rr := do(t, h, http.MethodGet, "/request/t1", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "sleep(2)" {
		t.Fatalf("first poll: %d %q", rr.Code, rr.Body.String())
	}

	rr = do(t, h, http.MethodPost, "/order/t1", url.Values{"orders": {"Up,3\r\nForward,2\r\n"}})
	if rr.Body.String() != "ok" {
		t.Fatalf("set orders: %d %q", rr.Code, rr.Body.String())
	}
	rr = do(t, h, http.MethodPost, "/order/ghost", url.Values{"orders": {"Up,1"}})
	if rr.Body.String() != "Turtle not found" {
		t.Fatalf("orders for unknown turtle: %q", rr.Body.String())
	}

	rr = do(t, h, http.MethodPost, "/info/t1/fuellevel", url.Values{"info": {"4000"}})
	if rr.Body.String() != "ok" {
		t.Fatalf("set info: %q", rr.Body.String())
	}
	rr = do(t, h, http.MethodGet, "/info/t1/fuellevel", nil)
	if rr.Body.String() != "4000" {
		t.Fatalf("get info: %q", rr.Body.String())
	}
	rr = do(t, h, http.MethodGet, "/info/t1/isFull", nil)
	if rr.Body.String() != "N/A" {
		t.Fatalf("missing topic: %q", rr.Body.String())
	}
	rr = do(t, h, http.MethodGet, "/info/ghost/isFull", nil)
	if rr.Body.String() != "No turtle with name: ghost found" {
		t.Fatalf("unknown turtle info: %q", rr.Body.String())
	}

	rr = do(t, h, http.MethodGet, "/request/t1", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "Up(3)\nForward(2)" {
		t.Fatalf("second poll: %d %q", rr.Code, rr.Body.String())
	}
}

func TestRobotRoutes_MalformedInput(t *testing.T) {
	h, _ := newTestRouter(t, nil)
	do(t, h, http.MethodGet, "/request/t1", nil)

	rr := do(t, h, http.MethodPost, "/order/t1", url.Values{"orders": {"Fly,3"}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad order: %d", rr.Code)
	}
	rr = do(t, h, http.MethodPost, "/info/t1/fuellevel", url.Values{"info": {"plenty"}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad fuellevel: %d", rr.Code)
	}
}

func TestLuaFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.lua")
	if err := os.WriteFile(path, []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	h, _ := newTestRouter(t, func(c *Config) { c.MacroFile = path })
	rr := do(t, h, http.MethodGet, "/luafile", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "print('hi')\n" {
		t.Fatalf("luafile: %d %q", rr.Code, rr.Body.String())
	}

	h, _ = newTestRouter(t, func(c *Config) { c.MacroFile = filepath.Join(t.TempDir(), "missing.lua") })
	if rr := do(t, h, http.MethodGet, "/luafile", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("missing luafile: %d", rr.Code)
	}
}

func TestAdminRoutes(t *testing.T) {
	h, _ := newTestRouter(t, nil)
	for i := 0; i < 3; i++ {
		do(t, h, http.MethodGet, "/request/t1", nil)
	}

	rr := do(t, h, http.MethodGet, "/admin/v1/turtles/t1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("admin turtle: %d", rr.Code)
	}
	var tur dispatch.Turtle
	if err := json.Unmarshal(rr.Body.Bytes(), &tur); err != nil || tur.Name != "t1" {
		t.Fatalf("admin turtle body: %v %s", err, rr.Body.String())
	}
	if rr := do(t, h, http.MethodGet, "/admin/v1/turtles/ghost", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("admin unknown turtle: %d", rr.Code)
	}

	rr = do(t, h, http.MethodGet, "/admin/v1/plots", nil)
	var ps []plots.MiningPlot
	if err := json.Unmarshal(rr.Body.Bytes(), &ps); err != nil || len(ps) != 1 {
		t.Fatalf("admin plots: %v %s", err, rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/plots", nil)
	req.RemoteAddr = "203.0.113.9:5000"
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("remote admin access: %d", rr.Code)
	}
}

func TestAdminDisabled(t *testing.T) {
	h, _ := newTestRouter(t, func(c *Config) { c.Admin = false })
	if rr := do(t, h, http.MethodGet, "/admin/v1/plots", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("admin should not be mounted: %d", rr.Code)
	}
}

// turtlesAPI aliases Turtles so the embedded field name does not shadow the
// interface's Turtles method.
type turtlesAPI = Turtles

type failingTurtles struct{ turtlesAPI }

func (failingTurtles) Poll(context.Context, string) (string, error) {
	return "", protocol.StoreFailure("docstore turtles find_one", errors.New("database is locked"))
}

func TestPoll_StoreFailureIs503(t *testing.T) {
	h := NewRouter(Config{Turtles: failingTurtles{}})
	rr := do(t, h, http.MethodGet, "/request/t1", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), protocol.ErrStoreFailure) {
		t.Fatalf("body = %q", rr.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[string]int{
		protocol.ErrMalformedInput:    400,
		protocol.ErrNotFound:          404,
		protocol.ErrStoreFailure:      503,
		protocol.ErrContractViolation: 500,
		protocol.ErrInternal:          500,
	}
	for code, want := range cases {
		if got := StatusFor(code); got != want {
			t.Fatalf("StatusFor(%s) = %d, want %d", code, got, want)
		}
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:80": true,
		"[::1]:443":    true,
		"10.0.0.2:80":  false,
		"garbage":      false,
	} {
		if got := IsLoopbackRemote(addr); got != want {
			t.Fatalf("IsLoopbackRemote(%q) = %v", addr, got)
		}
	}
}
