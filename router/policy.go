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

package router

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// DefaultServiceHeader is the request header consulted by HeaderPolicy when
// no explicit header name is configured.
const DefaultServiceHeader = "Portico-Service"

// ExtractPolicy reads the target service name out of an inbound request.
// The addressing convention is deliberately pluggable: deployments choose a
// header, a host label, or a path prefix. Policies may rewrite the request
// that will be forwarded, for example to strip an addressing prefix.
type ExtractPolicy interface {
	Extract(req *http.Request) (service string, outbound *http.Request, err error)
}

// HeaderPolicy extracts the service name from a request header.
type HeaderPolicy struct {
	// Header is the header to consult. Empty means DefaultServiceHeader.
	Header string
}

func (p HeaderPolicy) Extract(req *http.Request) (string, *http.Request, error) {
	header := p.Header
	if header == "" {
		header = DefaultServiceHeader
	}
	name := req.Header.Get(header)
	if name == "" {
		return "", nil, fmt.Errorf("request has no %s header", header)
	}
	return name, req, nil
}

// HostLabelPolicy extracts the service name from the request's host, after
// removing a fixed suffix: with Suffix ".local", a request for
// "billing.local" targets the service "billing".
type HostLabelPolicy struct {
	Suffix string
}

func (p HostLabelPolicy) Extract(req *http.Request) (string, *http.Request, error) {
	host := req.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	name := strings.TrimSuffix(host, p.Suffix)
	if name == "" || name == host {
		return "", nil, fmt.Errorf("host %q does not carry a %q service label", req.Host, p.Suffix)
	}
	return name, req, nil
}

// PathPrefixPolicy extracts the service name from the first path segment
// after a fixed prefix, and strips both from the forwarded request: with
// Prefix "/svc/", a request for "/svc/billing/invoices" targets "billing"
// and is forwarded as "/invoices".
type PathPrefixPolicy struct {
	Prefix string
}

func (p PathPrefixPolicy) Extract(req *http.Request) (string, *http.Request, error) {
	prefix := p.Prefix
	if prefix == "" {
		prefix = "/svc/"
	}
	rest, ok := strings.CutPrefix(req.URL.Path, prefix)
	if !ok || rest == "" {
		return "", nil, fmt.Errorf("path %q does not start with %q", req.URL.Path, prefix)
	}
	name, remainder, _ := strings.Cut(rest, "/")
	outbound := req.Clone(req.Context())
	outbound.URL.Path = "/" + remainder
	outbound.URL.RawPath = ""
	return name, outbound, nil
}
