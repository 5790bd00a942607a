// Package http is a thin marshalling layer over package master, exposed
// as plain REST over net/http.
package http

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/samsamfire/goethercat/master"
	"github.com/samsamfire/goethercat/slave"
)

// Server exposes a small REST surface over a master.Master: listing
// slaves, reading/writing CoE SDO objects, and requesting an AL-state
// transition. Grounded on pkg/gateway/http.GatewayServer's ServeMux +
// route-registration shape, re-targeted from CiA 309's SDO/PDO/NMT
// command set (which this repo has no use for) to EtherCAT's own
// request-submission surface.
type Server struct {
	m       *master.Master
	logger  *slog.Logger
	mux     *http.ServeMux
	timeout time.Duration
}

// NewServer builds a Server wrapping m. Every handler-issued request to m
// is bounded by requestTimeout.
func NewServer(m *master.Master, requestTimeout time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "[HTTP]")
	s := &Server{m: m, logger: logger, timeout: requestTimeout, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /slaves", s.handleListSlaves)
	s.mux.HandleFunc("GET /slaves/{position}/sdo/{index}/{subindex}", s.handleSDOUpload)
	s.mux.HandleFunc("PUT /slaves/{position}/sdo/{index}/{subindex}", s.handleSDODownload)
	s.mux.HandleFunc("PUT /slaves/{position}/state", s.handleRequestState)

	return s
}

// ListenAndServe blocks serving the gateway's routes on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("starting http gateway", "addr", addr)
	return http.ListenAndServe(addr, s.mux)
}

type slaveEntry struct {
	RingPosition   int    `json:"ring_position"`
	StationAddress uint16 `json:"station_address"`
	State          string `json:"state"`
	VendorID       uint32 `json:"vendor_id"`
	ProductCode    uint32 `json:"product_code"`
}

func (s *Server) handleListSlaves(w http.ResponseWriter, r *http.Request) {
	slaves := s.m.Slaves()
	out := make([]slaveEntry, len(slaves))
	for i, sl := range slaves {
		out[i] = slaveEntry{
			RingPosition:   sl.RingPosition,
			StationAddress: sl.StationAddress,
			State:          sl.State.String(),
			VendorID:       sl.Identity.VendorID,
			ProductCode:    sl.Identity.ProductCode,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSDOUpload(w http.ResponseWriter, r *http.Request) {
	sl, index, subindex, ok := s.parseSDOPath(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	data, err := s.m.SDOUpload(ctx, sl, index, subindex)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"data": hex.EncodeToString(data)})
}

func (s *Server) handleSDODownload(w http.ResponseWriter, r *http.Request) {
	sl, index, subindex, ok := s.parseSDOPath(w, r)
	if !ok {
		return
	}
	var body struct {
		Data string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	data, err := hex.DecodeString(body.Data)
	if err != nil {
		http.Error(w, "data must be hex-encoded", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	if err := s.m.SDODownload(ctx, sl, index, subindex, data); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRequestState(w http.ResponseWriter, r *http.Request) {
	sl, ok := s.slaveAt(r)
	if !ok {
		http.Error(w, "no such slave", http.StatusNotFound)
		return
	}
	var body struct {
		State uint8 `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	if err := s.m.RequestState(ctx, sl, slave.ALState(body.State)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseSDOPath resolves the {position}/{index}/{subindex} path segments
// shared by the SDO upload and download routes, writing an error response
// and returning ok=false if any segment is invalid.
func (s *Server) parseSDOPath(w http.ResponseWriter, r *http.Request) (*slave.Slave, uint16, uint8, bool) {
	sl, ok := s.slaveAt(r)
	if !ok {
		http.Error(w, "no such slave", http.StatusNotFound)
		return nil, 0, 0, false
	}
	index, err := strconv.ParseUint(r.PathValue("index"), 0, 16)
	if err != nil {
		http.Error(w, "invalid index", http.StatusBadRequest)
		return nil, 0, 0, false
	}
	subindex, err := strconv.ParseUint(r.PathValue("subindex"), 0, 8)
	if err != nil {
		http.Error(w, "invalid subindex", http.StatusBadRequest)
		return nil, 0, 0, false
	}
	return sl, uint16(index), uint8(subindex), true
}

func (s *Server) slaveAt(r *http.Request) (*slave.Slave, bool) {
	pos, err := strconv.Atoi(r.PathValue("position"))
	if err != nil {
		return nil, false
	}
	for _, sl := range s.m.Slaves() {
		if sl.RingPosition == pos {
			return sl, true
		}
	}
	return nil, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch err {
	case master.ErrNotActive:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
