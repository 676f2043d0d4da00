// Package spearctx holds the state shared by every subsystem of a node.
package spearctx

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"

	"github.com/gru-im/spear"
)

// Context is the node wide state.  It is populated once during bootstrap,
// then only read.  It does no locking of its own: all setters must have been
// called before any subsystem that reads the field is started.
type Context struct {
	logger logrus.FieldLogger
	config map[string]string

	idService   spear.IdService
	statService spear.StatService

	sender   spear.Sender
	receiver spear.Receiver
}

// New creates a Context over a copy of config.
func New(logger logrus.FieldLogger, config map[string]string) *Context {
	c := make(map[string]string, len(config))
	for k, v := range config {
		c[k] = v
	}
	return &Context{
		logger: logger,
		config: c,
	}
}

func (c *Context) Logger() logrus.FieldLogger {
	return c.logger
}

// Config returns a copy of the node configuration.
func (c *Context) Config() map[string]string {
	out := make(map[string]string, len(c.config))
	for k, v := range c.config {
		out[k] = v
	}
	return out
}

// Get returns the configured value for key, or "" if it is not set.
func (c *Context) Get(key string) string {
	return c.config[key]
}

// GetInt returns the value for key as an int, or def if it is unset or unparsable.
func (c *Context) GetInt(key string, def int) int {
	s, ok := c.config[key]
	if !ok || s == "" {
		return def
	}
	i, err := cast.ToIntE(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return i
}

// GetDuration returns the value for key as a time.Duration, or def if it is unset or unparsable.
func (c *Context) GetDuration(key string, def time.Duration) time.Duration {
	s, ok := c.config[key]
	if !ok || s == "" {
		return def
	}
	d, err := cast.ToDurationE(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return d
}

// GetBool reports whether the value for key is "true", ignoring case.  Anything
// else, including an unset key, is false.
func (c *Context) GetBool(key string) bool {
	return strings.EqualFold(strings.TrimSpace(c.config[key]), "true")
}

func (c *Context) IdService() spear.IdService {
	return c.idService
}

func (c *Context) SetIdService(s spear.IdService) {
	c.idService = s
}

func (c *Context) StatService() spear.StatService {
	return c.statService
}

func (c *Context) SetStatService(s spear.StatService) {
	c.statService = s
}

func (c *Context) Sender() spear.Sender {
	return c.sender
}

func (c *Context) Receiver() spear.Receiver {
	return c.receiver
}

// SetTransport sets the transport pair.  Sender and receiver always come from
// the same transport mode, so they are only set together.
func (c *Context) SetTransport(sender spear.Sender, receiver spear.Receiver) {
	c.sender = sender
	c.receiver = receiver
}

// Degraded reports whether any auxiliary service is missing.
func (c *Context) Degraded() bool {
	return c.idService == nil || c.statService == nil
}
