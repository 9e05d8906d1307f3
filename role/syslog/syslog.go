// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package syslog implements the role that listens for syslog datagrams and
// forwards each one into the event pipeline.
package syslog

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/reflexsoar/reflexsoar-agent/event"
	"github.com/reflexsoar/reflexsoar-agent/role"
)

// Shortname identifies the role in agent configuration.
const Shortname = "syslog_server"

// DefaultBindAddress is the listen address when the role config does not
// set one.
const DefaultBindAddress = "0.0.0.0:514"

// maxDatagramSize bounds a single syslog message.
const maxDatagramSize = 64 * 1024

func init() {
	role.Register(Shortname, func(deps *role.Deps) role.Role {
		return New(deps)
	})
}

// Server receives syslog over UDP and emits each datagram as an event.
type Server struct {
	deps   *role.Deps
	logger hclog.Logger

	mu   sync.Mutex
	addr net.Addr
}

// New builds a syslog server bound to the shared agent resources.
func New(deps *role.Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = hclog.Default()
	}
	return &Server{
		deps:   deps,
		logger: logger.Named(Shortname),
	}
}

// Shortname implements role.Role.
func (s *Server) Shortname() string { return Shortname }

// DisableRunLoop marks the role as a listener: Main blocks until the
// context is canceled.
func (s *Server) DisableRunLoop() bool { return true }

// Addr returns the bound listen address, nil before the listener is up.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Main listens on the configured bind address and forwards datagrams until
// the context is canceled.
func (s *Server) Main(ctx context.Context) error {
	bind := s.deps.Config.GetString("bind_address", DefaultBindAddress)

	addr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.mu.Lock()
	s.addr = conn.LocalAddr()
	s.mu.Unlock()

	s.logger.Info("listening for syslog", "address", conn.LocalAddr().String())

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		message := strings.TrimSpace(string(buf[:n]))
		if message == "" {
			continue
		}
		s.handle(remote, message)
	}
}

// handle turns one datagram into an event. The sender's address becomes
// the reference so duplicate messages from different hosts stay distinct.
func (s *Server) handle(remote *net.UDPAddr, message string) {
	host := remote.IP.String()
	s.logger.Debug("received syslog message", "host", host, "bytes", len(message))

	evt, err := event.NewEvent(event.Config{
		Source:       "syslog",
		Title:        "Syslog message from " + host,
		Description:  message,
		Reference:    host,
		RawLog:       message,
		OriginalDate: time.Now().UTC().Format("2006-01-02T15:04:05.999999"),
		Tags:         []string{"syslog"},
	})
	if err != nil {
		s.logger.Error("failed to build syslog event", "error", err)
		return
	}

	if err := s.deps.Events.PrepareEvents(event.PrepareOptions{}, evt); err != nil {
		s.logger.Error("failed to queue syslog event", "error", err)
	}
}
