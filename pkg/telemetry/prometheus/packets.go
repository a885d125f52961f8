// Copyright 2023 LiveKit, Inc.
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

package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

type PacketKind string

const (
	KindRTP  PacketKind = "rtp"
	KindRTCP PacketKind = "rtcp"
)

type DropReason string

const (
	DropReasonMalformed DropReason = "malformed"
	DropReasonNoContext DropReason = "no_context"
	DropReasonCrypto    DropReason = "crypto"
	DropReasonDiscard   DropReason = "discard"
)

var (
	atomicPacketsIn  atomic.Uint64
	atomicPacketsOut atomic.Uint64
	atomicBytesIn    atomic.Uint64
	atomicBytesOut   atomic.Uint64
	atomicDrops      atomic.Uint64
	atomicNackTotal  atomic.Uint64
	atomicAbandoned  atomic.Uint64

	promPacketTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "packet",
		Name:      "total",
	}, []string{"direction", "kind"})
	promPacketBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "packet",
		Name:      "bytes",
	}, []string{"direction", "kind"})
	promDropTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "packet",
		Name:      "dropped_total",
	}, []string{"reason"})
	promNackTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "nack",
		Name:      "total",
	})
	promNackSeqTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "nack",
		Name:      "requested_sequence_numbers_total",
	})
	promAbandonedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "nack",
		Name:      "abandoned_total",
	})
)

func IncrementPackets(direction Direction, kind PacketKind, count uint64, bytes uint64) {
	promPacketTotal.WithLabelValues(string(direction), string(kind)).Add(float64(count))
	promPacketBytes.WithLabelValues(string(direction), string(kind)).Add(float64(bytes))
	if direction == Incoming {
		atomicPacketsIn.Add(count)
		atomicBytesIn.Add(bytes)
	} else {
		atomicPacketsOut.Add(count)
		atomicBytesOut.Add(bytes)
	}
}

func IncrementDrop(reason DropReason) {
	promDropTotal.WithLabelValues(string(reason)).Inc()
	atomicDrops.Inc()
}

func IncrementNACK(seqNums int) {
	promNackTotal.Inc()
	promNackSeqTotal.Add(float64(seqNums))
	atomicNackTotal.Inc()
}

// IncrementAbandoned counts sequence numbers given up on after the last retransmission request.
func IncrementAbandoned(count int) {
	if count <= 0 {
		return
	}
	promAbandonedTotal.Add(float64(count))
	atomicAbandoned.Add(uint64(count))
}
