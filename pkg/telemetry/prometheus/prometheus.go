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
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "media_transform"

var initOnce sync.Once

// Init registers the collectors with the default registry. Counters are live before Init,
// they are only exported after it.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(promPacketTotal)
		prometheus.MustRegister(promPacketBytes)
		prometheus.MustRegister(promDropTotal)
		prometheus.MustRegister(promNackTotal)
		prometheus.MustRegister(promNackSeqTotal)
		prometheus.MustRegister(promAbandonedTotal)
	})
}

type Stats struct {
	PacketsIn  uint64
	PacketsOut uint64
	BytesIn    uint64
	BytesOut   uint64
	Dropped    uint64
	NACKs      uint64
	Abandoned  uint64
}

func GetStats() Stats {
	return Stats{
		PacketsIn:  atomicPacketsIn.Load(),
		PacketsOut: atomicPacketsOut.Load(),
		BytesIn:    atomicBytesIn.Load(),
		BytesOut:   atomicBytesOut.Load(),
		Dropped:    atomicDrops.Load(),
		NACKs:      atomicNackTotal.Load(),
		Abandoned:  atomicAbandoned.Load(),
	}
}
