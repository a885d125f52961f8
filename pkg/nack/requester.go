package nack

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/livekit/protocol/logger"
	"github.com/pion/rtcp"
	"go.uber.org/multierr"

	"github.com/livekit/media-transform/pkg/packet"
	"github.com/livekit/media-transform/pkg/telemetry/prometheus"
	"github.com/livekit/media-transform/pkg/transform"
	"github.com/livekit/media-transform/pkg/utils/recurring"
)

const (
	DefaultMaxMissing     = 100                    // gap beyond which a stream is considered restarted
	DefaultMaxRequests    = 10                     // max number of times a sequence number is NACKed
	DefaultReRequestAfter = 150 * time.Millisecond // spacing between NACKs of the same sequence number

	// NoWork is returned by TimeUntilNextRun when nothing is tracked.
	NoWork = recurring.NoWork
)

var ErrNoInjector = errors.New("no packet injector")

// PacketInjector sends a packet through the part of a pipeline following after.
type PacketInjector interface {
	InjectPacket(pkt *packet.RawPacket, data bool, after transform.TransformEngine) error
}

type RequesterParams struct {
	// SenderSSRC is the SSRC NACKs are sent from.
	SenderSSRC     uint32
	MaxMissing     int
	MaxRequests    int
	ReRequestAfter time.Duration

	Injector PacketInjector
	// After is the engine NACKs are injected after.
	After  transform.TransformEngine
	Clock  clock.Clock
	Logger logger.Logger
	// OnWork is called when new sequence numbers start being tracked.
	OnWork func()
}

type request struct {
	firstMissedAt   time.Time
	lastRequestedAt time.Time
	requests        int
	nextRequestAt   time.Time
}

type stream struct {
	highest uint16
	missing *orderedmap.OrderedMap[uint16, *request]
}

type dueNack struct {
	ssrc    uint32
	seqNums []uint16
}

// Requester tracks missing sequence numbers per SSRC and requests their retransmission
// with generic NACKs. It is driven by an external scheduler calling Run whenever
// TimeUntilNextRun returns 0.
type Requester struct {
	params RequesterParams

	lock    sync.Mutex
	streams map[uint32]*stream
	closed  bool
}

func NewRequester(params RequesterParams) *Requester {
	if params.MaxMissing <= 0 {
		params.MaxMissing = DefaultMaxMissing
	}
	if params.MaxRequests <= 0 {
		params.MaxRequests = DefaultMaxRequests
	}
	if params.ReRequestAfter <= 0 {
		params.ReRequestAfter = DefaultReRequestAfter
	}
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	return &Requester{
		params:  params,
		streams: make(map[uint32]*stream),
	}
}

func (r *Requester) PacketReceived(ssrc uint32, sn uint16) {
	added := r.packetReceived(ssrc, sn)
	if added && r.params.OnWork != nil {
		r.params.OnWork()
	}
}

func (r *Requester) packetReceived(ssrc uint32, sn uint16) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return false
	}

	s, ok := r.streams[ssrc]
	if !ok {
		r.streams[ssrc] = &stream{
			highest: sn,
			missing: orderedmap.NewOrderedMap[uint16, *request](),
		}
		return false
	}

	if s.missing.Delete(sn) {
		return false
	}

	diff := sn - s.highest
	switch {
	case diff == 0 || diff >= 0x8000:
		// duplicate or older than anything tracked
		return false

	case diff == 1:
		s.highest = sn
		return false

	case int(diff) > r.params.MaxMissing:
		r.params.Logger.Debugw("sequence number jump, resetting", "ssrc", ssrc, "highest", s.highest, "sn", sn)
		s.missing = orderedmap.NewOrderedMap[uint16, *request]()
		s.highest = sn
		return false
	}

	now := r.params.Clock.Now()
	for missing := s.highest + 1; missing != sn; missing++ {
		s.missing.Set(missing, &request{
			firstMissedAt: now,
			nextRequestAt: now,
		})
	}
	s.highest = sn

	// trim oldest if necessary
	abandoned := 0
	for s.missing.Len() > r.params.MaxMissing {
		s.missing.Delete(s.missing.Front().Key)
		abandoned++
	}
	prometheus.IncrementAbandoned(abandoned)
	return true
}

// TimeUntilNextRun returns 0 when a NACK is due, the time until the next one otherwise,
// or NoWork when no sequence number is tracked.
func (r *Requester) TimeUntilNextRun() time.Duration {
	r.lock.Lock()
	defer r.lock.Unlock()

	now := r.params.Clock.Now()
	wait := NoWork
	for _, s := range r.streams {
		for el := s.missing.Front(); el != nil; el = el.Next() {
			d := el.Value.nextRequestAt.Sub(now)
			if d <= 0 {
				return 0
			}
			if d < wait {
				wait = d
			}
		}
	}
	return wait
}

// Run sends one NACK per SSRC listing every due sequence number. Retry bookkeeping is
// advanced before sending, injection errors are returned but do not stop later NACKs.
func (r *Requester) Run() error {
	due := r.collectDue()
	if len(due) == 0 {
		return nil
	}
	if r.params.Injector == nil {
		return ErrNoInjector
	}

	var err error
	for _, d := range due {
		nack := &rtcp.TransportLayerNack{
			SenderSSRC: r.params.SenderSSRC,
			MediaSSRC:  d.ssrc,
			Nacks:      rtcp.NackPairsFromSequenceNumbers(d.seqNums),
		}
		b, merr := nack.Marshal()
		if merr != nil {
			err = multierr.Append(err, merr)
			continue
		}

		r.params.Logger.Debugw("requesting retransmission", "ssrc", d.ssrc, "seqNums", d.seqNums)
		if ierr := r.params.Injector.InjectPacket(packet.NewRawPacketFromBytes(b), false, r.params.After); ierr != nil {
			r.params.Logger.Warnw("could not inject NACK", ierr, "ssrc", d.ssrc)
			err = multierr.Append(err, ierr)
			continue
		}
		prometheus.IncrementNACK(len(d.seqNums))
	}
	return err
}

func (r *Requester) collectDue() []dueNack {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return nil
	}

	ssrcs := make([]uint32, 0, len(r.streams))
	for ssrc := range r.streams {
		ssrcs = append(ssrcs, ssrc)
	}
	slices.Sort(ssrcs)

	now := r.params.Clock.Now()
	var due []dueNack
	for _, ssrc := range ssrcs {
		s := r.streams[ssrc]

		var seqNums []uint16
		abandoned := 0
		for el := s.missing.Front(); el != nil; {
			next := el.Next()
			req := el.Value
			if !req.nextRequestAt.After(now) {
				seqNums = append(seqNums, el.Key)
				req.requests++
				req.lastRequestedAt = now
				req.nextRequestAt = now.Add(r.params.ReRequestAfter)
				if req.requests >= r.params.MaxRequests {
					r.params.Logger.Debugw("giving up on sequence number", "ssrc", ssrc, "sn", el.Key, "missingFor", now.Sub(req.firstMissedAt))
					s.missing.Delete(el.Key)
					abandoned++
				}
			}
			el = next
		}
		prometheus.IncrementAbandoned(abandoned)

		if len(seqNums) > 0 {
			due = append(due, dueNack{ssrc: ssrc, seqNums: seqNums})
		}
	}
	return due
}

// Missing returns the tracked sequence numbers of ssrc, oldest first.
func (r *Requester) Missing(ssrc uint32) []uint16 {
	r.lock.Lock()
	defer r.lock.Unlock()

	s, ok := r.streams[ssrc]
	if !ok {
		return nil
	}
	return s.missing.Keys()
}

func (r *Requester) Close() {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.closed = true
	r.streams = make(map[uint32]*stream)
}
