package controllers

import (
	"net/http"

	"github.com/rzbill/flomq/internal/runtime"
	"github.com/rzbill/flomq/pkg/log"
)

// ControllerRegistry registers every controller's routes on one mux.
type ControllerRegistry struct {
	general   *GeneralController
	addresses *AddressesController
}

// NewControllerRegistry creates the controllers for rt.
func NewControllerRegistry(rt *runtime.Runtime, logger log.Logger) *ControllerRegistry {
	return &ControllerRegistry{
		general:   NewGeneralController(rt),
		addresses: NewAddressesController(rt.Broker(), logger),
	}
}

// RegisterRoutes registers all routes with mux.
func (r *ControllerRegistry) RegisterRoutes(mux *http.ServeMux) {
	r.general.RegisterRoutes(mux)
	r.addresses.RegisterRoutes(mux)
}
