package control_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mcastellin/ringkeeper/internal/control"
	"github.com/mcastellin/ringkeeper/internal/detect"
	"github.com/mcastellin/ringkeeper/internal/node"
	"github.com/mcastellin/ringkeeper/internal/peer"
)

// errUnreachable is returned by every fakeClient method: this fake
// models an isolated singleton node with no live ring neighbor, which
// is enough to exercise every control endpoint that doesn't require a
// real peer on the other end.
var errUnreachable = errors.New("unreachable")

// fakeClient is a hand-written fake satisfying node.Client, the same
// narrow-interface-fake style the teacher uses instead of a mocking
// framework.
type fakeClient struct{}

func (fakeClient) GetNext(peer.Addr) (peer.Addr, error)    { return peer.Zero, errUnreachable }
func (fakeClient) GetPrev(peer.Addr) (peer.Addr, error)    { return peer.Zero, errUnreachable }
func (fakeClient) SetNext(peer.Addr, peer.Addr) error      { return errUnreachable }
func (fakeClient) SetPrev(peer.Addr, peer.Addr) error      { return errUnreachable }
func (fakeClient) SetNextNext(peer.Addr, peer.Addr) error  { return errUnreachable }
func (fakeClient) NotifyRepair(peer.Addr, peer.Addr) error { return errUnreachable }
func (fakeClient) SendProbe(peer.Addr, detect.Probe) error { return errUnreachable }
func (fakeClient) Acquire(peer.Addr, string, peer.Addr) (string, peer.Addr, error) {
	return "", peer.Zero, errUnreachable
}
func (fakeClient) Release(peer.Addr, string, peer.Addr) error { return errUnreachable }
func (fakeClient) Grant(peer.Addr, string, peer.Addr) error   { return errUnreachable }
func (fakeClient) SetDelay(time.Duration)                     {}
func (fakeClient) CloseAll()                                  {}

func newTestHandler(t *testing.T) (http.Handler, *node.Node) {
	t.Helper()
	self := peer.Addr{IP: "127.0.0.1", Port: 2010}
	n := node.New(self, "a", fakeClient{}, zap.NewNop())

	s := control.NewServer(":0", zap.NewNop())
	control.Register(s, n, zap.NewNop())
	return s.Handler(), n
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndStatus(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestKillThenReleaseIsNodeDead(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/kill", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected kill to succeed, got %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/release", map[string]any{"resource": "a"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 node_dead, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestReleaseNonHolderReturnsNotHolder(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/release", map[string]any{"resource": "a"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 not_holder, got %d: %s", rec.Code, rec.Body.String())
	}
	var reply map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatal(err)
	}
	if reply["error"] != "not_holder" {
		t.Fatalf("expected not_holder, got %v", reply)
	}
}

func TestAcquireOwnResourceGranted(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/acquire", map[string]any{"resource": "a"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStartDetectionWhileActiveIsNotBlocked(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/detection/start", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 not_blocked, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestJoinOtherWithBadAddressIsBadRequest(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/joinother", map[string]any{"address": "not-an-address"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSetActiveThenSetPassive(t *testing.T) {
	h, n := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/setActive", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !n.Snapshot().Detect.Active {
		t.Fatal("expected detect state active after /setActive")
	}

	rec = doJSON(t, h, http.MethodPost, "/setPassive", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if n.Snapshot().Detect.Active {
		t.Fatal("expected detect state passive after /setPassive")
	}
}

func TestNotFoundRouteIsJSON(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var reply map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatal(err)
	}
	if reply["error"] != "not_found" {
		t.Fatalf("expected not_found body, got %v", reply)
	}
}
