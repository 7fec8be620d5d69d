package control

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mcastellin/ringkeeper/internal/node"
	"github.com/mcastellin/ringkeeper/internal/nodeerr"
	"github.com/mcastellin/ringkeeper/internal/peer"
)

// Register wires every endpoint from spec.md §6's control surface table
// onto s, dispatching against n.
func Register(s *Server, n *node.Node, log *zap.Logger) {
	h := &handlers{n: n, log: log}
	s.HandleFunc(http.MethodGet, "/health", h.health)
	s.HandleFunc(http.MethodGet, "/status", h.status)
	s.HandleFunc(http.MethodPost, "/joinother", h.joinOther)
	s.HandleFunc(http.MethodPost, "/leave", h.leave)
	s.HandleFunc(http.MethodPost, "/kill", h.kill)
	s.HandleFunc(http.MethodPost, "/revive", h.revive)
	s.HandleFunc(http.MethodPost, "/acquire", h.acquire)
	s.HandleFunc(http.MethodPost, "/release", h.release)
	s.HandleFunc(http.MethodPost, "/detection/start", h.startDetection)
	s.HandleFunc(http.MethodPost, "/waitForMessage", h.waitForMessage)
	s.HandleFunc(http.MethodPost, "/setActive", h.setActive)
	s.HandleFunc(http.MethodPost, "/setPassive", h.setPassive)
	s.HandleFunc(http.MethodPost, "/delay", h.delay)
}

type handlers struct {
	n   *node.Node
	log *zap.Logger
}

// writeErr maps a *nodeerr.Error to the structured JSON error object and
// HTTP status from spec.md §7. Any other error is reported as a generic
// 500, since it represents a handler bug rather than a domain error.
func writeErr(c *Ctx, err error) {
	if nerr, ok := err.(*nodeerr.Error); ok {
		c.JSON(nerr.Kind.HTTPStatus(), H{"error": string(nerr.Kind), "detail": nerr.Detail})
		return
	}
	c.JSON(http.StatusInternalServerError, H{"error": "internal", "detail": err.Error()})
}

func decodeBody(c *Ctx, v any) error {
	defer c.Request.Body.Close()
	return json.NewDecoder(c.Request.Body).Decode(v)
}

func (h *handlers) health(c *Ctx) {
	c.JSON(http.StatusOK, H{"status": "ok", "alive": h.n.Alive()})
}

func (h *handlers) status(c *Ctx) {
	snap := h.n.Snapshot()
	c.JSON(http.StatusOK, H{
		"alive": snap.Alive,
		"ring": H{
			"next":     snap.Ring.Next.String(),
			"nextnext": snap.Ring.NextNext.String(),
			"prev":     snap.Ring.Prev.String(),
		},
		"resource": H{
			"name":   h.n.Resource.Name,
			"holder": snap.Resource.Holder.String(),
			"queue":  addrStrings(snap.Resource.Queue),
		},
		"detection": H{
			"active":     snap.Detect.Active,
			"waitingFor": snap.Detect.WaitingFor.String(),
		},
	})
}

func addrStrings(addrs []peer.Addr) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

type addressReq struct {
	Address string `json:"address"`
}

func (h *handlers) joinOther(c *Ctx) {
	var req addressReq
	if err := decodeBody(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, H{"error": "bad_request", "detail": err.Error()})
		return
	}
	target, err := peer.Parse(req.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, H{"error": "bad_request", "detail": err.Error()})
		return
	}
	if err := h.n.JoinRing(target); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, H{"status": "joined"})
}

func (h *handlers) leave(c *Ctx) {
	if err := h.n.LeaveRing(); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, H{"status": "left"})
}

func (h *handlers) kill(c *Ctx) {
	if err := h.n.Kill(); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, H{"status": "killed"})
}

func (h *handlers) revive(c *Ctx) {
	if err := h.n.Revive(); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, H{"status": "revived"})
}

type resourceReq struct {
	Resource string `json:"resource"`
}

func (h *handlers) acquire(c *Ctx) {
	var req resourceReq
	if err := decodeBody(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, H{"error": "bad_request", "detail": err.Error()})
		return
	}
	if err := h.n.AcquireResource(c.Request.Context(), req.Resource); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, H{"status": "granted", "resource": req.Resource})
}

func (h *handlers) release(c *Ctx) {
	var req resourceReq
	if err := decodeBody(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, H{"error": "bad_request", "detail": err.Error()})
		return
	}
	if err := h.n.ReleaseResource(req.Resource); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, H{"status": "released", "resource": req.Resource})
}

func (h *handlers) startDetection(c *Ctx) {
	if err := h.n.StartDetection(); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, H{"status": "started"})
}

func (h *handlers) setActive(c *Ctx) {
	if err := h.n.SetActive(); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, H{"status": "active"})
}

func (h *handlers) setPassive(c *Ctx) {
	if err := h.n.SetPassive(); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, H{"status": "passive"})
}

type delayReq struct {
	DelayMs int `json:"delay_ms"`
}

func (h *handlers) delay(c *Ctx) {
	var req delayReq
	if err := decodeBody(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, H{"error": "bad_request", "detail": err.Error()})
		return
	}
	h.n.SetDelay(time.Duration(req.DelayMs) * time.Millisecond)
	c.JSON(http.StatusOK, H{"status": "ok", "delay_ms": req.DelayMs})
}

// waitForMessageTimeout bounds the test hook so a forgotten peer address
// cannot hang a request forever.
const waitForMessageTimeout = 30 * time.Second

func (h *handlers) waitForMessage(c *Ctx) {
	var req addressReq
	if err := decodeBody(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, H{"error": "bad_request", "detail": err.Error()})
		return
	}
	from, err := peer.Parse(req.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, H{"error": "bad_request", "detail": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), waitForMessageTimeout)
	defer cancel()

	if err := h.n.WaitForMessage(ctx, from); err != nil {
		c.JSON(http.StatusGatewayTimeout, H{"error": "timeout", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, H{"status": "received", "from": req.Address})
}
