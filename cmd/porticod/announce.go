// Copyright 2024 The Portico Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/porticolabs/portico/registry"
)

// announceServer is the same-host announcement API. Services POST their
// endpoints here to register, keep renewing within their ttl, and
// deregister on clean shutdown.
type announceServer struct {
	registry *registry.Registry
	logger   *zap.Logger
	limiter  *rate.Limiter
}

func newAnnounceServer(reg *registry.Registry, logger *zap.Logger, perSecond float64, burst int) *announceServer {
	return &announceServer{
		registry: reg,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (s *announceServer) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/register", s.limit(s.handleRegister))
	mux.HandleFunc("POST /v1/renew", s.limit(s.handleRenew))
	mux.HandleFunc("POST /v1/deregister", s.limit(s.handleDeregister))
	mux.HandleFunc("GET /v1/services", s.limit(s.handleServices))
}

// limit applies the token-bucket rate limit shared by all announcement
// endpoints. A renew storm from a misbehaving service must not starve the
// daemon's routing work.
func (s *announceServer) limit(next http.HandlerFunc) http.HandlerFunc {
	return func(writer http.ResponseWriter, req *http.Request) {
		if !s.limiter.Allow() {
			http.Error(writer, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(writer, req)
	}
}

type announceRequest struct {
	Service    string  `json:"service"`
	HostPort   string  `json:"host_port"`
	Scheme     string  `json:"scheme,omitempty"`
	Weight     int     `json:"weight,omitempty"`
	TTLSeconds float64 `json:"ttl_seconds,omitempty"`
}

func (r *announceRequest) endpoint() registry.Endpoint {
	return registry.Endpoint{
		HostPort: r.HostPort,
		Scheme:   r.Scheme,
		Weight:   r.Weight,
	}
}

func (s *announceServer) decode(writer http.ResponseWriter, req *http.Request) (*announceRequest, bool) {
	var body announceRequest
	decoder := json.NewDecoder(req.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		http.Error(writer, "malformed announcement: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return &body, true
}

func (s *announceServer) handleRegister(writer http.ResponseWriter, req *http.Request) {
	body, ok := s.decode(writer, req)
	if !ok {
		return
	}
	ttl := time.Duration(body.TTLSeconds * float64(time.Second))
	id, err := s.registry.Register(body.Service, body.endpoint(), ttl)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Info("endpoint registered",
		zap.String("service", body.Service),
		zap.String("endpoint", body.HostPort),
		zap.Duration("ttl", ttl))
	writeJSON(writer, http.StatusOK, map[string]any{"registration_id": id})
}

func (s *announceServer) handleRenew(writer http.ResponseWriter, req *http.Request) {
	body, ok := s.decode(writer, req)
	if !ok {
		return
	}
	if err := s.registry.Renew(body.Service, body.endpoint()); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, registry.ErrUnknownEndpoint) {
			// Expired or never registered: the announcer should
			// re-register from scratch.
			status = http.StatusNotFound
		}
		http.Error(writer, err.Error(), status)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{"renewed": true})
}

func (s *announceServer) handleDeregister(writer http.ResponseWriter, req *http.Request) {
	body, ok := s.decode(writer, req)
	if !ok {
		return
	}
	if err := s.registry.Deregister(body.Service, body.endpoint()); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, registry.ErrUnknownEndpoint) {
			status = http.StatusNotFound
		}
		http.Error(writer, err.Error(), status)
		return
	}
	s.logger.Info("endpoint deregistered",
		zap.String("service", body.Service),
		zap.String("endpoint", body.HostPort))
	writeJSON(writer, http.StatusOK, map[string]any{"deregistered": true})
}

type serviceStatus struct {
	Endpoint string `json:"endpoint"`
	Scheme   string `json:"scheme"`
	Weight   int    `json:"weight"`
	State    string `json:"state"`
}

func (s *announceServer) handleServices(writer http.ResponseWriter, _ *http.Request) {
	out := map[string][]serviceStatus{}
	for _, name := range s.registry.Services() {
		for _, status := range s.registry.Snapshot(name) {
			out[name] = append(out[name], serviceStatus{
				Endpoint: status.Endpoint.HostPort,
				Scheme:   status.Endpoint.EffectiveScheme(),
				Weight:   status.Endpoint.EffectiveWeight(),
				State:    status.State.String(),
			})
		}
	}
	writeJSON(writer, http.StatusOK, out)
}

func writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(body)
}
