/*
Copyright 2016-2021 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package egressd contains shared identifiers used to tag logs and metrics
// across the forwarding core: the ingress servers, the escaper graph, the
// resolver, the auth/user registry, the auditor, and the relay runtime.
package egressd

import "strings"

// Component joins a set of component name fragments into a single
// colon-separated logging component, e.g. Component("server",
// "http-forward") returns "server:http-forward".
func Component(components...string) string {
	return strings.Join(components, ":")
}

// Component name roots used as the first argument to Component(), and as
// the trace.Component log field across lib/.
const (
	ComponentResolver = "resolver"
	ComponentAuth = "auth"
	ComponentEscaper = "escaper"
	ComponentServer = "server"
	ComponentAuditor = "auditor"
	ComponentRelay = "relay"
	ComponentTask = "task"
	ComponentKeyGen = "keygen"
	ComponentProxyProt = "proxyproto"
)

// HTTPNextProtoTLS is the ALPN protocol negotiated for plain HTTP/1.1 over
// TLS. https://www.iana.org/assignments/tls-extensiontype-values/tls-extensiontype-values.xhtml#alpn-protocol-ids
const HTTPNextProtoTLS = "http/1.1"

// HTTP2NextProtoTLS is the ALPN protocol ID for HTTP/2.
const HTTP2NextProtoTLS = "h2"

// Custom response headers emitted by the HTTP forward-proxy engine. The
// X-BD-Upstream-* headers accumulate at each proxy hop ("local-info");
// X-BD-Dynamic-Egress-Info is set once from the far side of a chained
// proxy hop ("chained-info").
const (
	HeaderUpstreamID = "X-BD-Upstream-Id"
	HeaderUpstreamAddr = "X-BD-Upstream-Addr"
	HeaderOutgoingIP = "X-BD-Outgoing-Ip"
	HeaderRemoteConnectionInfo = "X-BD-Remote-Connection-Info"
	HeaderDynamicEgressInfo = "X-BD-Dynamic-Egress-Info"
)

// ICAP adaptation of non-HTTP protocols tags the synthetic request with
// this header naming the original protocol.
const HeaderTransformedFrom = "X-Transformed-From"

// SMTP envelope headers attached to the synthetic ICAP request when wrapping
// an SMTP DATA command.
const (
	HeaderSMTPFrom = "X-SMTP-From"
	HeaderSMTPTo = "X-SMTP-To"
)
