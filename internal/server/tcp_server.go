// Package server accepts Teltonika devices over TCP.
package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"fleet-tracker/internal/codec"
	"fleet-tracker/internal/observability"
	"fleet-tracker/internal/utilities"
)

const (
	readBuffer  = 2048
	idleTimeout = 5 * time.Minute
	rawLogName  = "ALLTRACKINGS"
)

// Handler processes one complete AVL packet and returns the record count
// to acknowledge.
type Handler interface {
	ProcessIncoming(imei string, data []byte) (int, error)
}

type Options struct {
	Addr      string
	RawLogDir string
	Logger    *slog.Logger
}

type TcpServer struct {
	addr      string
	rawLogDir string
	handler   Handler
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]net.Conn
	conns    map[net.Conn]struct{}
	listener net.Listener
	wg       sync.WaitGroup
}

func New(h Handler, opts Options) *TcpServer {
	logger := opts.Logger
	if logger == nil {
		logger = observability.Discard()
	}
	return &TcpServer{
		addr:      opts.Addr,
		rawLogDir: opts.RawLogDir,
		handler:   h,
		logger:    logger.With("component", "tcp"),
		sessions:  make(map[string]net.Conn),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Start listens on the configured address and serves until ctx is done.
func (srv *TcpServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return fmt.Errorf("error starting TCP server: %w", err)
	}
	return srv.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is done, then closes every
// open session and waits for their goroutines.
func (srv *TcpServer) Serve(ctx context.Context, ln net.Listener) error {
	srv.mu.Lock()
	srv.listener = ln
	srv.mu.Unlock()
	srv.logger.Info("TCP server listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
		srv.mu.Lock()
		for c := range srv.conns {
			c.Close()
		}
		srv.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				srv.wg.Wait()
				return nil
			}
			srv.logger.Error("accept error", "error", err)
			continue
		}
		observability.TCPConnections.Inc()
		srv.mu.Lock()
		srv.conns[conn] = struct{}{}
		srv.mu.Unlock()
		srv.wg.Add(1)
		go func(c net.Conn) {
			defer srv.wg.Done()
			srv.HandleConnection(c)
			srv.mu.Lock()
			delete(srv.conns, c)
			srv.mu.Unlock()
		}(conn)
	}
}

// Addr is the bound listener address, nil before Serve.
func (srv *TcpServer) Addr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

// Connected reports whether imei has a live session.
func (srv *TcpServer) Connected(imei string) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	_, ok := srv.sessions[imei]
	return ok
}

func (srv *TcpServer) HandleConnection(conn net.Conn) {
	defer conn.Close()

	var deviceIMEI string
	defer func() {
		if deviceIMEI != "" {
			srv.mu.Lock()
			if srv.sessions[deviceIMEI] == conn {
				delete(srv.sessions, deviceIMEI)
			}
			srv.mu.Unlock()
			srv.logger.Info("device disconnected", "imei", deviceIMEI)
		}
	}()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(false)
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(60 * time.Second)
	}

	var pending []byte
	buffer := make([]byte, readBuffer)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := conn.Read(buffer)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				srv.logger.Warn("read error", "imei", deviceIMEI, "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}
		pending = append(pending, buffer[:n]...)
		srv.rawLog(buffer[:n])

		if deviceIMEI == "" {
			imei, used, err := codec.ParseIMEI(pending)
			if err != nil {
				srv.logger.Warn("handshake rejected", "remote", conn.RemoteAddr().String(), "error", err)
				_, _ = conn.Write([]byte{0x00})
				return
			}
			if used == 0 {
				continue
			}
			deviceIMEI = imei
			pending = pending[used:]
			srv.register(imei, conn)
			observability.HandshakeOK.Inc()
			srv.logger.Info("IMEI detected", "imei", imei, "remote", conn.RemoteAddr().String())
			if _, err := conn.Write([]byte{0x01}); err != nil {
				return
			}
		}

		for {
			size, ok, err := codec.PacketLength(pending)
			if err != nil {
				observability.CodecErrors.Inc()
				srv.logger.Warn("dropping session on bad framing", "imei", deviceIMEI, "error", err)
				return
			}
			if !ok || len(pending) < size {
				break
			}
			packet := pending[:size]
			pending = pending[size:]

			records, err := srv.handler.ProcessIncoming(deviceIMEI, packet)
			if err != nil {
				// no ack: the device retransmits
				continue
			}
			observability.RecordsAck.Add(float64(records))
			if _, err := conn.Write(codec.Ack(records)); err != nil {
				return
			}
		}
	}
}

// register replaces any stale session for the same device.
func (srv *TcpServer) register(imei string, conn net.Conn) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if old, ok := srv.sessions[imei]; ok && old != conn {
		old.Close()
	}
	srv.sessions[imei] = conn
}

func (srv *TcpServer) rawLog(b []byte) {
	if srv.rawLogDir == "" {
		return
	}
	if err := utilities.CreateLog(srv.rawLogDir, rawLogName, hex.EncodeToString(b)); err != nil {
		srv.logger.Warn("raw log failed", "error", err)
	}
}
