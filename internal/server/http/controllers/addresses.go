package controllers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rzbill/flomq/internal/address"
	"github.com/rzbill/flomq/internal/broker"
	"github.com/rzbill/flomq/internal/delivery"
	"github.com/rzbill/flomq/pkg/log"
)

// AddressesController exposes address administration: declare, list,
// delivery stats and dead letters.
type AddressesController struct {
	b      *broker.Broker
	logger log.Logger
}

// NewAddressesController creates a controller over b.
func NewAddressesController(b *broker.Broker, logger log.Logger) *AddressesController {
	return &AddressesController{b: b, logger: logger}
}

// RegisterRoutes registers address routes with the given mux.
func (c *AddressesController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/addresses", c.handleList)
	mux.HandleFunc("POST /v1/addresses", c.handleDeclare)
	mux.HandleFunc("GET /v1/addresses/{name}/stats", c.handleStats)
	mux.HandleFunc("GET /v1/addresses/{name}/deadletters", c.handleDeadLetters)
	mux.HandleFunc("DELETE /v1/addresses/{name}/deadletters", c.handlePurgeDeadLetters)
}

type declareReq struct {
	Name          string `json:"name"`
	Mode          string `json:"mode"`
	SettleMode    string `json:"settleMode"`
	Prefetch      uint32 `json:"prefetch"`
	MaxDeliveries uint32 `json:"maxDeliveries"`
}

func (c *AddressesController) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"addresses": c.b.Addresses()})
}

func (c *AddressesController) handleDeclare(w http.ResponseWriter, r *http.Request) {
	var req declareReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	opts := broker.AddressOptions{Prefetch: req.Prefetch, MaxDeliveries: req.MaxDeliveries}
	if req.Mode != "" {
		m, err := delivery.ParseDistributionMode(req.Mode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.Mode = m
	}
	if req.SettleMode != "" {
		m, err := delivery.ParseSettleMode(req.SettleMode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.SettleMode = m
	}
	meta, err := c.b.Declare(req.Name, opts)
	if errors.Is(err, address.ErrInvalidName) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		c.logger.Error("declare failed", log.Str("address", req.Name), log.Err(err))
		writeError(w, http.StatusInternalServerError, "declare failed")
		return
	}
	writeCreated(w, meta)
}

func (c *AddressesController) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := c.b.Stats(r.PathValue("name"))
	if c.fail(w, err) {
		return
	}
	writeJSON(w, st)
}

type deadLetterView struct {
	ID         uint64            `json:"id"`
	Xid        uint64            `json:"xid,omitempty"`
	Link       string            `json:"link"`
	Reason     string            `json:"reason"`
	AtMs       int64             `json:"atMs"`
	Properties map[string]string `json:"properties,omitempty"`
	Body       []byte            `json:"body"`
}

func (c *AddressesController) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := c.b.DeadLetters(r.PathValue("name"), parseLimit(r.URL.Query().Get("limit")))
	if c.fail(w, err) {
		return
	}
	out := make([]deadLetterView, 0, len(entries))
	for _, e := range entries {
		out = append(out, deadLetterView{
			ID:         e.Message.ID,
			Xid:        e.Message.Xid,
			Link:       e.Link,
			Reason:     e.Reason,
			AtMs:       e.At.UnixMilli(),
			Properties: e.Message.Properties,
			Body:       e.Message.Body,
		})
	}
	writeJSON(w, map[string]any{"deadLetters": out})
}

func (c *AddressesController) handlePurgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	if c.fail(w, c.b.PurgeDeadLetters(r.Context(), r.PathValue("name"))) {
		return
	}
	writeNoContent(w)
}

// fail maps broker errors to responses and reports whether one was written.
func (c *AddressesController) fail(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, broker.ErrUnknownChannel):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, broker.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		c.logger.Error("address request failed", log.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
	return true
}
