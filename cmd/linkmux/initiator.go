package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/linkmux/linkmux/internal/admin"
	"github.com/linkmux/linkmux/internal/common"
	"github.com/linkmux/linkmux/internal/config"
	"github.com/linkmux/linkmux/internal/multiplex"
	"github.com/linkmux/linkmux/internal/rpc"
	log "github.com/sirupsen/logrus"
)

func initiate(cfg config.Config, router *admin.APIRouter, echo string, file string) error {
	conn, err := common.DialTransport(&net.Dialer{Timeout: 10 * time.Second}, cfg.Transport, cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %v: %w", cfg.Addr, err)
	}
	mc := cfg.Multiplexer
	mc.OnError = func(sessionID uint8, err error) {
		log.WithField("session", sessionID).Debugf("recoverable: %v", err)
	}
	mux := multiplex.MakeMultiplexer(conn, mc)
	defer mux.Close()
	router.Add(cfg.Addr, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	sesh, err := mux.StartSession(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	log.Infof("session %v started with version %v, frames of up to %v bytes", sesh.ID(), sesh.Version(), sesh.MaxFrameSize())
	defer sesh.Close()

	rpcConn, err := rpc.NewConn(sesh, cfg.RPC)
	if err != nil {
		return err
	}
	defer rpcConn.Close()

	start := time.Now()
	resp, err := rpcConn.Call(context.Background(), "Echo", echoParams{Text: echo})
	if err != nil {
		return fmt.Errorf("Echo failed: %w", err)
	}
	var p echoParams
	if err := resp.Decode(&p); err != nil {
		return err
	}
	log.Infof("Echo answered %q in %v", p.Text, time.Since(start))

	if file == "" {
		return nil
	}
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	bulk, err := sesh.OpenStream(multiplex.ServiceBulkData)
	if err != nil {
		return err
	}
	start = time.Now()
	if err := bulk.SendFrom(context.Background(), f).Wait(context.Background()); err != nil {
		return fmt.Errorf("failed to send %v: %w", file, err)
	}
	log.Infof("%v sent in %v, %v bytes written in total", file, time.Since(start), mux.GetTx())
	return nil
}
