// Copyright 2024 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"net"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/frostbyte73/core"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/media-transform/pkg/config"
	"github.com/livekit/media-transform/pkg/discard"
	"github.com/livekit/media-transform/pkg/nack"
	"github.com/livekit/media-transform/pkg/packet"
	"github.com/livekit/media-transform/pkg/red"
	"github.com/livekit/media-transform/pkg/srtp"
	"github.com/livekit/media-transform/pkg/stream"
	"github.com/livekit/media-transform/pkg/telemetry/prometheus"
	"github.com/livekit/media-transform/pkg/translation"
)

type udpConnector struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
}

func (u *udpConnector) Send(b []byte, _ bool) error {
	_, err := u.conn.WriteToUDP(b, u.remote)
	return err
}

// Relay bridges a protected leg facing the remote peer and a plain leg facing a local
// application. Packets from the remote go through the pipeline in reverse before being
// forwarded, packets from the application go forward before being sent to the remote.
type Relay struct {
	conf   *config.Config
	logger logger.Logger

	remoteConn *net.UDPConn
	localConn  *net.UDPConn
	forward    *net.UDPAddr

	stream      *stream.Stream
	translation *translation.Engine

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  core.Fuse
}

func NewRelay(conf *config.Config) (*Relay, error) {
	if conf.Relay.RemoteAddress == "" {
		return nil, config.ErrRemoteNotSet
	}
	remote, err := net.ResolveUDPAddr("udp", conf.Relay.RemoteAddress)
	if err != nil {
		return nil, errors.Wrap(err, "could not resolve remote address")
	}
	var forward *net.UDPAddr
	if conf.Relay.ForwardAddress != "" {
		if forward, err = net.ResolveUDPAddr("udp", conf.Relay.ForwardAddress); err != nil {
			return nil, errors.Wrap(err, "could not resolve forward address")
		}
	}

	r := &Relay{
		conf:        conf,
		logger:      logger.GetLogger().WithValues("remote", remote.String()),
		forward:     forward,
		translation: translation.NewEngine(),
		stopped:     core.NewFuse(),
	}
	if r.remoteConn, err = listen(conf.Relay.BindAddress, conf.Relay.Port); err != nil {
		return nil, err
	}
	if r.localConn, err = listen(conf.Relay.BindAddress, conf.Relay.LocalPort); err != nil {
		_ = r.remoteConn.Close()
		return nil, err
	}

	params := stream.StreamParams{
		Connector:   &udpConnector{conn: r.remoteConn, remote: remote},
		Handler:     r.forwardPacket,
		Translation: r.translation,
		Logger:      r.logger,
	}
	if conf.RED.PayloadType != 0 {
		params.RED = &red.EngineParams{PayloadType: conf.RED.PayloadType}
	}
	if conf.Discard.Enabled {
		params.Discard = &discard.EngineParams{MaxStreams: conf.Discard.MaxStreams}
	}
	if conf.NACK.Enabled {
		params.NACK = &nack.RequesterParams{
			SenderSSRC:     conf.NACK.SenderSSRC,
			MaxMissing:     conf.NACK.MaxMissing,
			MaxRequests:    conf.NACK.MaxRequests,
			ReRequestAfter: conf.NACK.ReRequestAfter,
		}
	}
	if conf.SRTP.Enabled {
		engine, err := newSRTPEngine(conf, r.logger)
		if err != nil {
			r.closeConns()
			return nil, err
		}
		params.SRTP = engine
	}

	if r.stream, err = stream.NewStream(params); err != nil {
		r.closeConns()
		return nil, err
	}
	return r, nil
}

func newSRTPEngine(conf *config.Config, lgr logger.Logger) (*srtp.Engine, error) {
	profile, err := srtp.ParseProfile(conf.SRTP.Profile)
	if err != nil {
		return nil, err
	}
	keys, err := conf.LoadSessionKeys()
	if err != nil {
		return nil, err
	}
	return srtp.NewEngineFromKeys(keys, profile, uint(conf.SRTP.ReplayWindow), lgr)
}

func listen(bindAddress string, port uint32) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(bindAddress, fmt.Sprint(port)))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "could not listen on %s", addr)
	}
	return conn, nil
}

func (r *Relay) RemoteFacingAddr() net.Addr {
	return r.remoteConn.LocalAddr()
}

func (r *Relay) LocalFacingAddr() net.Addr {
	return r.localConn.LocalAddr()
}

// Translation gives access to the SSRC rewrite table applied in both directions.
func (r *Relay) Translation() *translation.Engine {
	return r.translation
}

func (r *Relay) Start() {
	r.logger.Infow("starting relay",
		"remoteFacing", r.RemoteFacingAddr().String(),
		"localFacing", r.LocalFacingAddr().String(),
		"srtp", r.conf.SRTP.Enabled,
		"nack", r.conf.NACK.Enabled,
	)

	r.wg.Add(2)
	go r.readLoop(r.remoteConn, r.stream.HandleIncoming)
	go r.readLoop(r.localConn, r.sendPacket)
}

func (r *Relay) readLoop(conn *net.UDPConn, handle func([]byte) error) {
	defer r.wg.Done()

	size := r.conf.Relay.ReadBufferSize
	if size <= 0 {
		size = 1500
	}
	buf := make([]byte, size)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !r.stopped.IsBroken() {
				r.logger.Warnw("read failed", err, "local", conn.LocalAddr().String())
			}
			return
		}
		if err := handle(buf[:n]); err != nil {
			r.logger.Debugw("could not handle datagram", "error", err, "from", addr.String())
		}
	}
}

func (r *Relay) sendPacket(b []byte) error {
	if packet.IsRTCP(b) {
		return r.stream.WriteRTCP(b)
	}
	return r.stream.WriteRTP(b)
}

func (r *Relay) forwardPacket(p *packet.RawPacket, rtcp bool) {
	if r.forward == nil {
		return
	}
	if _, err := r.localConn.WriteToUDP(p.Bytes(), r.forward); err != nil {
		r.logger.Debugw("could not forward packet", "error", err, "rtcp", rtcp)
	}
}

func (r *Relay) closeConns() {
	_ = r.remoteConn.Close()
	_ = r.localConn.Close()
}

func (r *Relay) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		r.stopped.Break()
		r.closeConns()
		r.wg.Wait()
		err = r.stream.Close()

		stats := prometheus.GetStats()
		r.logger.Infow("relay stopped",
			"packetsIn", stats.PacketsIn,
			"bytesIn", humanize.Bytes(stats.BytesIn),
			"packetsOut", stats.PacketsOut,
			"bytesOut", humanize.Bytes(stats.BytesOut),
			"dropped", stats.Dropped,
			"nacks", stats.NACKs,
		)
	})
	return err
}
