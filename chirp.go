/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package chirp is the public surface of §6: init/close a Handle, send and
// release message slots from the handle's own goroutine or from any other
// one, and build Messages and Addresses. Everything below is a thin facade
// over engine.Engine; the Handle interface exists so callers depend on a
// small contract instead of the engine package directly, the same split the
// teacher keeps between its own interface.go facades and their *Engine-
// shaped implementations (see cluster/interface.go, cluster/cluster.go).
package chirp

import (
	"net"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nabbar/chirp/config"
	"github.com/nabbar/chirp/engine"
	liberr "github.com/nabbar/chirp/errors"
	"github.com/nabbar/chirp/logger"
	"github.com/nabbar/chirp/message"
	"github.com/nabbar/golib/network/protocol"
)

// Handle is the library init() return value of §6: the single object a
// caller holds for the lifetime of a Chirp engine instance.
type Handle interface {
	// Close implements close(handle): thread-safe, idempotent, returns
	// IN_PROGRESS to every call after the first.
	Close() liberr.Error

	// Send implements send(handle, msg, on_sent): callable only from the
	// handle's own callbacks (on_receive, on_sent, on_released) or from
	// goroutines the caller otherwise knows are serialized with them.
	Send(addr message.Address, msg *message.Message, onSent func(code liberr.CodeError)) liberr.Error
	// SendTS implements send_ts: safe from any goroutine.
	SendTS(addr message.Address, msg *message.Message, onSent func(code liberr.CodeError)) liberr.Error

	// ReleaseSlot implements release_slot: must be called exactly once for
	// every received Message with HasSlot() true.
	ReleaseSlot(msg *message.Message) liberr.Error
	// ReleaseSlotTS implements release_slot_ts.
	ReleaseSlotTS(msg *message.Message) liberr.Error

	// Connect implements the engine's on-demand outbound dial, exposed so a
	// caller can warm a Remote before the first Send needs to block on it.
	Connect(addr message.Address)

	// SetPublicPort implements set_public_port (global, but scoped to this
	// handle rather than a process-wide singleton): the port advertised in
	// this engine's outbound Handshake, independent of the listening PORT.
	SetPublicPort(port uint16)
	// SetAlwaysEncrypt implements set_always_encrypt.
	SetAlwaysEncrypt(always bool)
}

// Callbacks groups init()'s on_receive/on_start/on_done hooks; on_log is
// satisfied by passing a configured logger.Logger instead (§6 names it
// alongside the others, but the golib convention this module follows is an
// injected Logger rather than a fourth callback).
type Callbacks = engine.Callbacks

// Option is a construction-time Engine customization; see WithMetrics.
type Option = engine.Option

// WithMetrics is the supplemental, non-Non-goal observability surface (see
// DESIGN.md): registers connections-active/remotes-active/slots-in-use
// Prometheus gauges against reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return engine.WithMetrics(reg)
}

// Init implements init(config, on_receive, on_start, on_done, on_log): it
// validates cfg, builds the engine and starts accepting/dialing. Validation
// failures surface synchronously per §6/§7, before any socket is touched.
func Init(cfg *config.Config, log logger.Logger, cb Callbacks, opts ...Option) (Handle, liberr.Error) {
	e, err := engine.New(cfg, log, cb, opts...)
	if err != nil {
		return nil, err
	}
	if err := e.Start(); err != nil {
		return nil, err
	}
	return e, nil
}

// --- msg_* surface ---

// MsgInit implements msg_init.
func MsgInit() *message.Message {
	return message.New()
}

// MsgSetAddress implements msg_set_address(proto, textual_ip, port): the
// textual IP is parsed with net.ParseIP, which yields the 16-byte form for
// both IPv6 and IPv4 addresses. An empty textual IP sets a nil IP.
func MsgSetAddress(msg *message.Message, proto protocol.NetworkProtocol, textualIP string, port uint32) liberr.Error {
	ip := net.ParseIP(textualIP)
	if textualIP != "" && ip == nil {
		return liberr.ValueError.Error(nil)
	}
	msg.SetAddress(message.NewAddress(proto, ip, port))
	return nil
}

// MsgGetAddress implements msg_get_address.
func MsgGetAddress(msg *message.Message) message.Address {
	return msg.GetAddress()
}

// MsgSetData implements msg_set_data.
func MsgSetData(msg *message.Message, header, data []byte, bufferOwned bool) {
	msg.SetData(header, data, bufferOwned)
}

// MsgFreeData implements msg_free_data.
func MsgFreeData(msg *message.Message) liberr.Error {
	return msg.FreeData()
}

// MsgGetIdentity implements msg_get_identity.
func MsgGetIdentity(msg *message.Message) message.Identity {
	return msg.GetIdentity()
}

// MsgGetRemoteIdentity implements msg_get_remote_identity.
func MsgGetRemoteIdentity(msg *message.Message) message.Identity {
	return msg.GetRemoteIdentity()
}

// MsgHasSlot implements msg_has_slot.
func MsgHasSlot(msg *message.Message) bool {
	return msg.HasSlot()
}
