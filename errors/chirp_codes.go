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

package errors

// Chirp-specific error code taxonomy. Each constant is registered with a
// fixed message via init so CodeError.Error() / Message() work without the
// caller having to register anything.
const (
	MinCode CodeError = iota + 4000
	ValueError
	UvError
	ProtocolError
	EAddrInUse
	Fatal
	TlsError
	WriteError
	NotInitialized
	InProgress
	Timeout
	ENoMem
	Shutdown
	CannotConnect
	Queued
	Used
	More
	Busy
	Empty
	InitFail
)

func init() {
	RegisterIdFctMessage(MinCode, chirpCodeMessage)
}

func chirpCodeMessage(code CodeError) string {
	switch code {
	case ValueError:
		return "invalid argument or configuration value"
	case UvError:
		return "underlying i/o primitive failed"
	case ProtocolError:
		return "peer violated wire framing rules"
	case EAddrInUse:
		return "cannot bind: address in use"
	case Fatal:
		return "fatal internal logic error"
	case TlsError:
		return "tls handshake or record layer error"
	case WriteError:
		return "write to connection failed"
	case NotInitialized:
		return "engine is not initialized"
	case InProgress:
		return "operation already in progress"
	case Timeout:
		return "operation timed out"
	case ENoMem:
		return "message exceeds configured size limit"
	case Shutdown:
		return "engine or connection is shutting down"
	case CannotConnect:
		return "connect refused or timed out"
	case Queued:
		return "message queued for later delivery"
	case Used:
		return "message is already in flight"
	case More:
		return "partial read, more bytes required"
	case Busy:
		return "writer already has an outstanding message"
	case Empty:
		return "queue is empty"
	case InitFail:
		return "initialization failed"
	default:
		return UnknownMessage
	}
}
