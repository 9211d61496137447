/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package netutils

import (
	"net"

	"github.com/pkg/errors"
)

// IsInAddrAny reports whether addr binds every local interface.
func IsInAddrAny(addr string) bool {
	return addr == "" || addr == "::" || addr == "::/0" || addr == "0.0.0.0"
}

// OutboundIP returns the local address the system routes external traffic
// from.  No packets are sent.
func OutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, errors.Wrap(err, "failed to determine outbound address")
	}
	defer func() { _ = conn.Close() }()

	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

// ResolveAdvertiseAddress picks the address a grid node publishes to its
// peers.  An explicit advertise address wins, then a specific bind address,
// then whatever lookupOutbound finds.
func ResolveAdvertiseAddress(
	advertiseAddr string,
	bindAddress string,
	lookupOutbound func() (net.IP, error),
) (string, error) {
	if advertiseAddr != "" {
		return advertiseAddr, nil
	}

	if !IsInAddrAny(bindAddress) {
		return bindAddress, nil
	}

	if lookupOutbound == nil {
		lookupOutbound = OutboundIP
	}

	ip, err := lookupOutbound()
	if err != nil {
		return "", err
	}

	return ip.String(), nil
}
