// Package perception runs the per-frame loop that turns camera frames into positioned objects:
// it waits for a frame, resamples it for the detector, tracks the detections, samples depth,
// fuses distances and emits one batch of messages per frame.
package perception

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"go.viam.com/birdview/config"
	"go.viam.com/birdview/logging"
	"go.viam.com/birdview/messaging"
	"go.viam.com/birdview/rimage"
	"go.viam.com/birdview/rimage/transform"
	"go.viam.com/birdview/shm"
	"go.viam.com/birdview/vision/fusion"
	"go.viam.com/birdview/vision/objectdetection"
)

// State is the step of the loop the pipeline is in.
type State int32

// The states of the loop. Stopped is terminal.
const (
	Idle State = iota
	WaitFrame
	Resample
	Detect
	Track
	DepthFetch
	Fuse
	Emit
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case WaitFrame:
		return "wait_frame"
	case Resample:
		return "resample"
	case Detect:
		return "detect"
	case Track:
		return "track"
	case DepthFetch:
		return "depth_fetch"
	case Fuse:
		return "fuse"
	case Emit:
		return "emit"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Params contain everything a Pipeline is built from.
type Params struct {
	Config  *config.Config
	Network objectdetection.NetworkConfig

	// Image is required. Depth and Confidence are optional; without Depth every object is
	// placed from its apparent size.
	Image      shm.FrameSource
	Depth      shm.FrameSource
	Confidence shm.FrameSource

	Detector objectdetection.Detector
	Sender   messaging.Sender
	Logger   logging.Logger
	Clock    clock.Clock
}

// Validate validates that p contains all required parameters.
func (p Params) Validate() error {
	if p.Config == nil {
		return errors.New("missing required parameter config")
	}
	if p.Image == nil {
		return errors.New("missing required parameter image source")
	}
	if p.Detector == nil {
		return errors.New("missing required parameter detector")
	}
	if p.Sender == nil {
		return errors.New("missing required parameter sender")
	}
	if p.Logger == nil {
		return errors.New("missing required parameter logger")
	}
	if p.Network.Width <= 0 || p.Network.Height <= 0 {
		return errors.Errorf("invalid network input size %dx%d", p.Network.Width, p.Network.Height)
	}
	return nil
}

// Object is one detection of a frame with its fused position and emitted object id.
type Object struct {
	Detection objectdetection.Detection
	Position  fusion.FusedPosition
	ObjectID  uint32
}

// FrameResult is what one processed frame produced.
type FrameResult struct {
	FrameID uint32
	Objects []Object
	Emitted bool
	Latency time.Duration
}

// latencyWindow is how many recent frames the latency statistics cover.
const latencyWindow = 100

// Stats are running totals of a pipeline. The latency figures cover the most recent frames.
type Stats struct {
	Frames        uint64
	EmittedFrames uint64
	Detections    uint64
	LastLatency   time.Duration
	MeanLatency   time.Duration
	P95Latency    time.Duration
}

// Pipeline is the single-goroutine perception loop.
type Pipeline struct {
	cfg        *config.Config
	network    objectdetection.NetworkConfig
	intrinsics *transform.CameraIntrinsics
	image      shm.FrameSource
	depth      shm.FrameSource
	confidence shm.FrameSource
	detector   objectdetection.Detector
	sender     messaging.Sender
	logger     logging.Logger
	clock      clock.Clock

	// input is reused for every frame.
	input []float32

	state         atomic.Int32
	frames        atomic.Uint64
	emittedFrames atomic.Uint64
	detections    atomic.Uint64
	lastLatency   atomic.Duration

	latencyMu sync.Mutex
	latencies []float64
	next      int

	// throttle per box depth warnings
	depthWarn rate.Sometimes
	clipWarn  rate.Sometimes
}

// New builds a pipeline. It fails when the camera has no calibration.
func New(params Params) (*Pipeline, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	intrinsics, err := params.Config.Intrinsics()
	if err != nil {
		return nil, err
	}
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	p := &Pipeline{
		cfg:        params.Config,
		network:    params.Network,
		intrinsics: intrinsics,
		image:      params.Image,
		depth:      params.Depth,
		confidence: params.Confidence,
		detector:   params.Detector,
		sender:     params.Sender,
		logger:     params.Logger,
		clock:      params.Clock,
		input:      make([]float32, rimage.PlanarSize(params.Network.Width, params.Network.Height)),
		latencies:  make([]float64, 0, latencyWindow),
		depthWarn:  rate.Sometimes{Interval: time.Second},
		clipWarn:   rate.Sometimes{Interval: time.Second},
	}
	if params.Config.NoDepth {
		p.depth, p.confidence = nil, nil
	}
	if p.depth == nil && p.confidence != nil {
		p.logger.Warn("confidence region without a point cloud region is ignored")
		p.confidence = nil
	}
	return p, nil
}

// State returns the step the loop is currently in.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
}

// Stats returns the running totals.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		Frames:        p.frames.Load(),
		EmittedFrames: p.emittedFrames.Load(),
		Detections:    p.detections.Load(),
		LastLatency:   p.lastLatency.Load(),
	}
	p.latencyMu.Lock()
	defer p.latencyMu.Unlock()
	if len(p.latencies) == 0 {
		return s
	}
	if mean, err := stats.Mean(p.latencies); err == nil {
		s.MeanLatency = time.Duration(mean)
	}
	if p95, err := stats.Percentile(p.latencies, 95); err == nil {
		s.P95Latency = time.Duration(p95)
	}
	return s
}

func (p *Pipeline) recordLatency(d time.Duration) {
	p.lastLatency.Store(d)
	p.latencyMu.Lock()
	defer p.latencyMu.Unlock()
	if len(p.latencies) < latencyWindow {
		p.latencies = append(p.latencies, float64(d))
		return
	}
	p.latencies[p.next] = float64(d)
	p.next = (p.next + 1) % latencyWindow
}

// Run processes frames until ctx is done or the sender stops running; both are a clean stop.
// The check happens between frames so a frame in progress always completes. Failures of a
// single frame are logged and the loop moves on to the next frame.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.setState(Stopped)
	p.logger.Infow("perception loop started",
		"config", p.cfg.String(),
		"network", p.network.String(),
		"depth", p.depth != nil,
		"confidence", p.confidence != nil,
	)
	for {
		if ctx.Err() != nil {
			p.logger.Info("perception loop cancelled")
			return nil
		}
		if !p.sender.IsRunning() {
			p.logger.Info("sender stopped, leaving perception loop")
			return nil
		}

		p.setState(WaitFrame)
		if err := p.image.AwaitNext(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			return errors.Wrap(err, "waiting for the next frame")
		}
		if _, err := p.ProcessFrame(ctx); err != nil {
			p.logger.Warnw("frame failed", "frame", p.frames.Load(), "error", err)
		}
	}
}

// ProcessFrame runs every step after the wait on the frame currently in the image source.
func (p *Pipeline) ProcessFrame(ctx context.Context) (*FrameResult, error) {
	start := p.clock.Now()
	frameID := uint32(p.frames.Inc())

	p.setState(Resample)
	if err := p.image.WithLockedSnapshot(p.resample); err != nil {
		return nil, errors.Wrap(err, "resampling frame")
	}
	input, err := rimage.AsTensor(p.input, p.network.Width, p.network.Height)
	if err != nil {
		return nil, err
	}

	p.setState(Detect)
	dets, err := p.detector.Detect(ctx, input, p.cfg.ConfidenceFloor)
	if err != nil {
		return nil, errors.Wrap(err, "detecting objects")
	}
	objectdetection.Rescale(dets,
		float64(p.cfg.Width)/float64(p.network.Width),
		float64(p.cfg.Height)/float64(p.network.Height))

	p.setState(Track)
	dets = p.detector.Track(dets)

	p.setState(DepthFetch)
	p.fetchDepth(dets)

	p.setState(Fuse)
	objects := make([]Object, len(dets))
	for i := range dets {
		objects[i] = Object{
			Detection: dets[i],
			Position:  fusion.Fuse(p.intrinsics, &dets[i], p.logger),
			ObjectID:  uint32(i*1000 + dets[i].TrackID),
		}
	}
	p.detections.Add(uint64(len(objects)))

	if p.cfg.Verbose {
		elapsed := p.clock.Since(start)
		fps := 0.0
		if elapsed > 0 {
			fps = float64(time.Second) / float64(elapsed)
		}
		p.logger.Debugw("frame processed", "frame", frameID, "fps", fps, "objects", len(objects))
		for _, obj := range objects {
			p.logger.Debugw("object",
				"object_id", obj.ObjectID,
				"detection", obj.Detection.String(),
				"frames", obj.Detection.FramesCounter,
				"x", obj.Position.X,
				"y", obj.Position.Y,
				"source", obj.Position.Source.String(),
			)
		}
	}

	result := &FrameResult{FrameID: frameID, Objects: objects}
	if len(objects) > 0 {
		p.setState(Emit)
		if err := p.emit(ctx, frameID, objects); err != nil {
			return result, err
		}
		result.Emitted = true
		p.emittedFrames.Inc()
	}
	result.Latency = p.clock.Since(start)
	p.recordLatency(result.Latency)
	return result, nil
}

func (p *Pipeline) resample(data []byte) error {
	img, err := rimage.NewArgbImage(data, p.cfg.Width, p.cfg.Height)
	if err != nil {
		return err
	}
	return rimage.ResampleInto(p.input, img, p.network.Width, p.network.Height, p.cfg.SampleMode)
}

// fetchDepth attaches a depth sample to every detection it can. The point cloud is locked
// before the confidence map and both stay locked for all lookups of the frame. Depth is
// optional, so failures only leave the detections without a sample.
func (p *Pipeline) fetchDepth(dets []objectdetection.Detection) {
	if p.depth == nil || len(dets) == 0 {
		return
	}
	err := p.depth.WithLockedSnapshot(func(xyzData []byte) error {
		xyz, err := rimage.NewPointMap(xyzData, p.cfg.Width, p.cfg.Height)
		if err != nil {
			return err
		}
		if p.confidence == nil {
			for i := range dets {
				sample, ok := rimage.CenterDepthSample(xyz, dets[i].Box)
				if !ok {
					box, track := dets[i].Box, dets[i].TrackID
					p.depthWarn.Do(func() {
						p.logger.Warnw("box centre outside the point cloud", "box", box, "track", track)
					})
					continue
				}
				dets[i].Depth = &sample
			}
			return nil
		}
		return p.confidence.WithLockedSnapshot(func(confData []byte) error {
			conf, err := rimage.NewConfidenceMap(confData, p.cfg.Width, p.cfg.Height)
			if err != nil {
				return err
			}
			for i := range dets {
				p.warnClipped(dets[i], xyz.Bounds())
				sample, ok := rimage.BestDepthSample(conf, xyz, dets[i].Box)
				if !ok {
					box, track := dets[i].Box, dets[i].TrackID
					p.depthWarn.Do(func() {
						p.logger.Warnw("no depth samples inside box", "box", box, "track", track)
					})
					continue
				}
				dets[i].Depth = &sample
			}
			return nil
		})
	})
	if err != nil {
		p.logger.Warnw("depth unavailable for frame, using apparent size only", "error", err)
	}
}

// warnClipped logs a depth search region that reaches outside the depth map. Such a region is
// searched only where it overlaps the map.
func (p *Pipeline) warnClipped(det objectdetection.Detection, bounds image.Rectangle) {
	full := rimage.DepthSearchRegion(det.Box, det.Box)
	clipped := rimage.DepthSearchRegion(det.Box, bounds)
	if clipped.Empty() || clipped == full {
		return
	}
	p.clipWarn.Do(func() {
		p.logger.Warnw("depth search region clipped to the frame",
			"region", full, "searched", clipped, "track", det.TrackID)
	})
}

// emit sends the batch for one frame. Every message of the batch carries the same timestamp.
func (p *Pipeline) emit(ctx context.Context, frameID uint32, objects []Object) error {
	sent := p.clock.Now()
	send := func(msg messaging.Message) error {
		if err := p.sender.Send(ctx, msg, sent, p.cfg.SenderID); err != nil {
			return errors.Wrapf(err, "frame %d", frameID)
		}
		return nil
	}

	if err := send(messaging.FrameStart{FrameID: frameID}); err != nil {
		return err
	}
	halfWidth := float64(p.cfg.Width) / 2
	for _, obj := range objects {
		det := obj.Detection
		anchor := det.Anchor()
		msgs := []messaging.Message{
			messaging.ObjectType{Type: uint32(det.ClassID), ObjectID: obj.ObjectID},
			messaging.ObjectPosition{X: float32(obj.Position.X), Y: float32(obj.Position.Y), ObjectID: obj.ObjectID},
			messaging.ObjectDirection{
				AzimuthAngle: float32(halfWidth - float64(anchor.X)),
				ZenithAngle:  float32(p.cfg.Height - det.Box.Max.Y),
				ObjectID:     obj.ObjectID,
			},
			messaging.ObjectAngularBlob{
				Width:    float32(det.Box.Dx()),
				Height:   float32(det.Box.Dy()),
				ObjectID: obj.ObjectID,
			},
		}
		for _, msg := range msgs {
			if err := send(msg); err != nil {
				return err
			}
		}
	}
	return send(messaging.FrameEnd{FrameID: frameID})
}
