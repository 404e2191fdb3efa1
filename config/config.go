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

// Package config carries the user-facing settings of §6 and their
// validation rules. It never touches the wire or the engine directly; it is
// the one piece of the module the teacher repo's "configuration parsing" is
// explicitly out of scope for, adapted here with the same validator-driven
// style the rest of the golib ecosystem uses.
package config

import (
	"fmt"
	"os"
	"time"

	libval "github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/nabbar/chirp/certificates"
	liberr "github.com/nabbar/chirp/errors"
	"github.com/nabbar/chirp/message"
)

// Config is the library init() configuration of §6, with the defaults named
// in parentheses there applied by Default().
type Config struct {
	Port     uint16 `mapstructure:"port" json:"port" yaml:"port" toml:"port" validate:"required,gt=1024"`
	Backlog  int    `mapstructure:"backlog" json:"backlog" yaml:"backlog" toml:"backlog" validate:"gte=1,lt=128"`
	BindV4   string `mapstructure:"bindV4" json:"bindV4" yaml:"bindV4" toml:"bindV4"`
	BindV6   string `mapstructure:"bindV6" json:"bindV6" yaml:"bindV6" toml:"bindV6"`
	PublicPort uint16 `mapstructure:"publicPort" json:"publicPort" yaml:"publicPort" toml:"publicPort"`

	ReuseTime time.Duration `mapstructure:"reuseTime" json:"reuseTime" yaml:"reuseTime" toml:"reuseTime"`
	Timeout   time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout" toml:"timeout"`

	MaxSlots    int  `mapstructure:"maxSlots" json:"maxSlots" yaml:"maxSlots" toml:"maxSlots" validate:"gte=0,lte=32"`
	Synchronous bool `mapstructure:"synchronous" json:"synchronous" yaml:"synchronous" toml:"synchronous"`

	DisableSignals bool `mapstructure:"disableSignals" json:"disableSignals" yaml:"disableSignals" toml:"disableSignals"`

	BufferSize int    `mapstructure:"bufferSize" json:"bufferSize" yaml:"bufferSize" toml:"bufferSize" validate:"gte=0"`
	MaxMsgSize uint32 `mapstructure:"maxMsgSize" json:"maxMsgSize" yaml:"maxMsgSize" toml:"maxMsgSize" validate:"gte=0"`

	Identity message.Identity `mapstructure:"identity" json:"identity" yaml:"identity" toml:"identity"`

	DisableEncryption bool                 `mapstructure:"disableEncryption" json:"disableEncryption" yaml:"disableEncryption" toml:"disableEncryption"`
	AlwaysEncrypt     bool                 `mapstructure:"alwaysEncrypt" json:"alwaysEncrypt" yaml:"alwaysEncrypt" toml:"alwaysEncrypt"`
	CertChainPEM      string               `mapstructure:"certChainPem" json:"certChainPem" yaml:"certChainPem" toml:"certChainPem"`
	DHParamsPEM       string               `mapstructure:"dhParamsPem" json:"dhParamsPem" yaml:"dhParamsPem" toml:"dhParamsPem"`
	TLS               *certificates.Config `mapstructure:"tls" json:"tls" yaml:"tls" toml:"tls"`
}

// Default returns a Config with every default from §6 applied, before the
// caller overrides the fields it cares about and calls Validate.
func Default() *Config {
	return &Config{
		Port:        2998,
		Backlog:     100,
		ReuseTime:   30 * time.Second,
		Timeout:     5 * time.Second,
		MaxSlots:    0,
		Synchronous: true,
		BufferSize:  0,
		MaxMsgSize:  100 * 1024 * 1024,
	}
}

// FromMap decodes a generic config tree (as produced by a YAML/TOML/JSON
// file unmarshal, or assembled by hand from environment variables) onto a
// Default Config using the `mapstructure` tags declared on every field, the
// same decode-onto-defaults idiom the teacher uses to turn a loosely typed
// file tree into its own strongly typed config structs. It does not call
// Validate; the caller still must, since FromMap may be called more than
// once against overlay fragments before the final Config is complete.
func FromMap(data map[string]interface{}) (*Config, liberr.Error) {
	cfg := Default()

	dec, er := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           cfg,
	})
	if er != nil {
		return nil, liberr.ValueError.Error(er)
	}
	if er := dec.Decode(data); er != nil {
		return nil, liberr.ValueError.Error(er)
	}
	return cfg, nil
}

// Validate applies the §6 validation rules on top of the struct-tag
// constraints the validator package already enforces. Violations fail with
// VALUE_ERROR, matching the "Violations fail init with VALUE_ERROR" rule.
func (c *Config) Validate() liberr.Error {
	err := liberr.ValueError.Error(nil)

	if er := libval.New().Struct(c); er != nil {
		if e, ok := er.(*libval.InvalidValidationError); ok {
			err.Add(e)
		} else {
			for _, e := range er.(libval.ValidationErrors) {
				//nolint goerr113
				err.Add(fmt.Errorf("config field '%s' is not validated by constraint '%s'", e.StructNamespace(), e.ActualTag()))
			}
		}
	}

	timeoutSec := c.Timeout.Seconds()
	if timeoutSec < 0.1 || timeoutSec > 1200 {
		//nolint goerr113
		err.Add(fmt.Errorf("timeout must be between 0.1s and 1200s, got %s", c.Timeout))
	}

	reuseSec := c.ReuseTime.Seconds()
	if reuseSec < 0.5 || reuseSec > 3600 {
		//nolint goerr113
		err.Add(fmt.Errorf("reuseTime must be between 0.5s and 3600s, got %s", c.ReuseTime))
	}

	if c.Timeout > c.ReuseTime {
		//nolint goerr113
		err.Add(fmt.Errorf("timeout (%s) must not exceed reuseTime (%s)", c.Timeout, c.ReuseTime))
	}

	if c.Synchronous && c.MaxSlots != 1 && c.MaxSlots != 0 {
		//nolint goerr113
		err.Add(fmt.Errorf("synchronous mode requires maxSlots == 1, got %d", c.MaxSlots))
	}

	if !c.DisableEncryption {
		if c.CertChainPEM == "" {
			//nolint goerr113
			err.Add(fmt.Errorf("certChainPem is required when encryption is enabled"))
		} else if _, statErr := os.Stat(c.CertChainPEM); statErr != nil {
			//nolint goerr113
			err.Add(fmt.Errorf("certChainPem %q is not readable: %w", c.CertChainPEM, statErr))
		}

		if c.DHParamsPEM != "" {
			if _, statErr := os.Stat(c.DHParamsPEM); statErr != nil {
				//nolint goerr113
				err.Add(fmt.Errorf("dhParamsPem %q is not readable: %w", c.DHParamsPEM, statErr))
			}
		}
	}

	if err.HasParent() {
		return err
	}

	return nil
}

// ResolvedMaxSlots implements the "MAX_SLOTS (0 => 16 async / 1 sync)"
// default-resolution rule of §6.
func (c *Config) ResolvedMaxSlots() int {
	if c.MaxSlots > 0 {
		return c.MaxSlots
	}
	if c.Synchronous {
		return 1
	}
	return 16
}

// ResolvedBufferSize implements the "BUFFER_SIZE (0 => library-chosen >=
// 1024, also >= sizeof(message), also >= 18)" default-resolution rule.
func (c *Config) ResolvedBufferSize() int {
	if c.BufferSize > 0 {
		if c.BufferSize < 18 {
			return 18
		}
		return c.BufferSize
	}
	return 1024
}

// ConnectTimeout implements "connect timeout = min(2xTIMEOUT, 60s)" (§4.5).
func (c *Config) ConnectTimeout() time.Duration {
	twice := 2 * c.Timeout
	if twice > 60*time.Second {
		return 60 * time.Second
	}
	return twice
}

// EffectiveReuseTime implements "max(REUSE_TIME, 3xTIMEOUT)" (§4.5 garbage
// collector), the window no in-flight message can outlive.
func (c *Config) EffectiveReuseTime() time.Duration {
	triple := 3 * c.Timeout
	if triple > c.ReuseTime {
		return triple
	}
	return c.ReuseTime
}

// GCInterval implements "REUSE_TIME/2 + random(0..REUSE_TIME/2)" (§4.5).
func (c *Config) GCInterval(randFraction float64) time.Duration {
	half := c.ReuseTime / 2
	return half + time.Duration(float64(half)*randFraction)
}
