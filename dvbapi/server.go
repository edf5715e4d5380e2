package dvbapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/RabbitLabs/dvbsc/capmt"
	"github.com/RabbitLabs/dvbsc/device"
	"github.com/RabbitLabs/dvbsc/internal/log"
)

// Sink receives the decoded messages, addressed by adapter index.
type Sink interface {
	SetCaPid(adapter int, p device.CaPid) error
	SetCaDescr(adapter int, cd device.CaDescr) error
	SetDescrMode(adapter int, m device.DescrMode) error
	UpdateCAPMT(adapter int, p capmt.Program) error
}

const maxDatagram = 4096

// pollInterval bounds how long a UDP read waits before checking for cancellation
const pollInterval = 500 * time.Millisecond

// Server applies whatever the authority sends; there are no replies.
type Server struct {
	Sink Sink
	// AdapterOffset is subtracted from the adapter index of every message
	AdapterOffset int
}

func (s *Server) handle(m Message) {
	switch msg := m.(type) {
	case ServerInfoMsg:
		log.Sugar.Infof("dvbapi: server %q protocol %d", msg.Info, msg.Protocol)
		return
	case IgnoredMsg:
		log.Sugar.Debugf("dvbapi: ignoring opcode 0x%08x", msg.Op)
		return
	}

	if err := Dispatch(s.Sink, s.offset(m)); err != nil {
		log.Sugar.Warnf("dvbapi: opcode 0x%08x: %s", m.Opcode(), err.Error())
	}
}

func (s *Server) offset(m Message) Message {
	if s.AdapterOffset == 0 {
		return m
	}
	switch msg := m.(type) {
	case CaPidMsg:
		msg.Adapter -= s.AdapterOffset
		return msg
	case CaDescrMsg:
		msg.Adapter -= s.AdapterOffset
		return msg
	case DescrModeMsg:
		msg.Adapter -= s.AdapterOffset
		return msg
	case CAPMTMsg:
		msg.Adapter -= s.AdapterOffset
		return msg
	}
	return m
}

// ServeConn decodes a message stream until it ends. Malformed messages are
// skipped, an unknown opcode or a short read ends the stream since framing is
// lost.
func (s *Server) ServeConn(ctx context.Context, r io.Reader) error {
	dec := NewDecoder(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		m, err := dec.Decode()
		switch {
		case err == nil:
			s.handle(m)
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, capmt.ErrMalformed), errors.Is(err, ErrMalformed):
			log.Sugar.Warnf("dvbapi: %s", err.Error())
		default:
			return err
		}
	}
}

// ServeUDP handles datagrams, each holding one or more messages.
func (s *Server) ServeUDP(ctx context.Context, pc net.PacketConn) error {
	buf := make([]byte, maxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := pc.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return err
		}
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if err := s.ServeConn(ctx, bytes.NewReader(buf[:n])); err != nil {
			log.Sugar.Warnf("dvbapi: datagram from %s: %s", addr, err.Error())
		}
	}
}

// ListenAndServe listens on a "udp" or "tcp" address until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, network, addr string) error {
	switch network {
	case "udp", "udp4", "udp6":
		pc, err := net.ListenPacket(network, addr)
		if err != nil {
			return err
		}
		defer pc.Close()

		log.Sugar.Infof("dvbapi: listening on %s/%s", pc.LocalAddr(), network)
		return s.ServeUDP(ctx, pc)

	case "tcp", "tcp4", "tcp6":
		l, err := net.Listen(network, addr)
		if err != nil {
			return err
		}
		log.Sugar.Infof("dvbapi: listening on %s/%s", l.Addr(), network)
		return s.serveListener(ctx, l)
	}
	return fmt.Errorf("dvbapi: unsupported network %q", network)
}

// serveListener accepts until ctx ends or Accept fails. Either way the
// listener and every open connection are closed before it returns.
func (s *Server) serveListener(ctx context.Context, l net.Listener) error {
	var wg sync.WaitGroup
	conns := make(map[net.Conn]struct{})
	var mu sync.Mutex
	defer wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		l.Close()
		mu.Lock()
		for c := range conns {
			c.Close()
		}
		mu.Unlock()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Sugar.Errorf("dvbapi: accept: %s", err.Error())
			return err
		}

		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				mu.Lock()
				delete(conns, conn)
				mu.Unlock()
				conn.Close()
			}()

			log.Sugar.Infof("dvbapi: connection from %s", conn.RemoteAddr())
			if err := s.ServeConn(ctx, conn); err != nil && ctx.Err() == nil {
				log.Sugar.Warnf("dvbapi: %s: %s", conn.RemoteAddr(), err.Error())
			}
		}()
	}
}
