package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/linkmux/linkmux/internal/admin"
	"github.com/linkmux/linkmux/internal/common"
	"github.com/linkmux/linkmux/internal/config"
	"github.com/linkmux/linkmux/internal/multiplex"
	"github.com/linkmux/linkmux/internal/rpc"
	log "github.com/sirupsen/logrus"
)

// listenAddr turns a ws:// or wss:// URL into the host:port to listen on
func listenAddr(addr string) (string, error) {
	if !strings.Contains(addr, "://") {
		return addr, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in %v", addr)
	}
	return u.Host, nil
}

func respond(cfg config.Config, router *admin.APIRouter) error {
	addr, err := listenAddr(cfg.Addr)
	if err != nil {
		return fmt.Errorf("unable to parse Addr: %w", err)
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Infof("Listening on %v over %v", addr, cfg.Transport)

	if cfg.Transport == "websocket" {
		handler := common.NewWsAcceptHandler()
		go func() {
			log.Errorf("websocket listener stopped: %v", http.Serve(listener, handler))
		}()
		for conn := range handler.Conns() {
			go serveTransport(cfg, router, conn, conn.RemoteAddr().String())
		}
		return nil
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go serveTransport(cfg, router, conn, conn.RemoteAddr().String())
	}
}

func serveTransport(cfg config.Config, router *admin.APIRouter, conn multiplex.Transport, name string) {
	mc := cfg.Multiplexer
	mc.AcceptSessions = true
	mc.OnError = func(sessionID uint8, err error) {
		log.WithFields(log.Fields{"remote": name, "session": sessionID}).Debugf("recoverable: %v", err)
	}
	mux := multiplex.MakeMultiplexer(conn, mc)
	router.Add(name, mux)
	defer router.Remove(name)
	log.Infof("%v connected", name)

	for {
		sesh, err := mux.Accept(context.Background())
		if err != nil {
			log.Infof("%v disconnected: %v", name, mux.TerminalMsg())
			return
		}
		go serveSession(cfg, sesh, name)
	}
}

func serveSession(cfg config.Config, sesh *multiplex.Session, name string) {
	fields := log.Fields{"remote": name, "session": sesh.ID()}
	log.WithFields(fields).Infof("session accepted with version %v", sesh.Version())

	conn, err := rpc.NewConn(sesh, cfg.RPC)
	if err != nil {
		log.WithFields(fields).Error(err)
		return
	}
	defer conn.Close()
	conn.Handle("Echo", func(req *rpc.Message) (interface{}, error) {
		var p echoParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		log.WithFields(fields).Debugf("echoing %q", p.Text)
		return p, nil
	})

	bulk, err := sesh.OpenStream(multiplex.ServiceBulkData)
	if err != nil {
		log.WithFields(fields).Error(err)
		return
	}
	received, _ := common.CountingCopy(io.Discard, bulk, func(n int) {
		log.WithFields(fields).Tracef("%v bytes of bulk data", n)
	})
	log.WithFields(fields).Infof("session ended after %v bytes of bulk data: %v", received, sesh.TerminalMsg())
}
