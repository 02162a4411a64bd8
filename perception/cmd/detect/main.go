// Package main runs cone detection on a shared memory camera feed and publishes the positioned
// cones.
package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"go.viam.com/birdview/config"
	"go.viam.com/birdview/logging"
	"go.viam.com/birdview/messaging"
	"go.viam.com/birdview/perception"
	"go.viam.com/birdview/shm"
	"go.viam.com/birdview/vision/objectdetection"
)

var logger = logging.NewLogger("detect")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) (err error) {
	var parsed config.Arguments
	if err := utils.ParseFlags(args, &parsed); err != nil {
		return err
	}
	cfg, err := config.FromArguments(parsed)
	if err != nil {
		return err
	}

	if cfg.Verbose {
		logger.SetLevel(logging.DEBUG)
	}
	if cfg.LogFile != "" {
		appender, closer := logging.NewFileAppender(logging.FileAppenderConfig{Filename: cfg.LogFile})
		logger.AddAppender(appender)
		defer func() {
			err = multierr.Combine(err, closer.Close())
		}()
	}

	network, err := objectdetection.ReadNetworkConfig(cfg.NetworkConfigFile)
	if err != nil {
		return err
	}
	return runDetect(ctx, cfg, network, logger)
}

func runDetect(ctx context.Context, cfg *config.Config, network objectdetection.NetworkConfig, logger logging.Logger) (err error) {
	opts := shm.Options{Dir: cfg.ShmDir}
	image, err := shm.Open(cfg.RegionName(shm.SuffixARGB), opts)
	if err != nil {
		return errors.Wrap(err, "cannot attach to the camera frames")
	}
	defer func() {
		err = multierr.Combine(err, image.Close())
	}()

	params := perception.Params{
		Config:  cfg,
		Network: network,
		Image:   image,
		Logger:  logger.Sublogger("pipeline"),
	}
	if !cfg.NoDepth {
		depth, depthErr := shm.Open(cfg.RegionName(shm.SuffixXYZ), opts)
		if depthErr != nil {
			logger.Warnw("no point cloud, placing cones by apparent size only", "error", depthErr)
		} else {
			defer func() {
				err = multierr.Combine(err, depth.Close())
			}()
			params.Depth = depth
		}
		conf, confErr := shm.Open(cfg.RegionName(shm.SuffixConfidence), opts)
		switch {
		case confErr != nil && depthErr == nil:
			logger.Warnw("no depth confidence, using the point at the box centre", "error", confErr)
		case confErr == nil:
			defer func() {
				err = multierr.Combine(err, conf.Close())
			}()
			if depthErr == nil {
				params.Confidence = conf
			}
		}
	}

	sender, err := newSender(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, sender.Close())
	}()
	params.Sender = sender

	backend, err := objectdetection.NewRemoteBackend(cfg.Detector, logger.Sublogger("detector"))
	if err != nil {
		return err
	}
	params.Detector, err = newDetector(cfg, backend)
	if err != nil {
		return err
	}

	pipeline, err := perception.New(params)
	if err != nil {
		return err
	}
	utils.ContextMainReadyFunc(ctx)()

	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	group, groupCtx := errgroup.WithContext(reportCtx)
	group.Go(func() error {
		defer stopReport()
		return pipeline.Run(ctx)
	})
	group.Go(func() error {
		for utils.SelectContextOrWait(groupCtx, statsInterval) {
			logStats(logger, "pipeline stats", pipeline.Stats())
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		return err
	}
	logStats(logger, "stopped", pipeline.Stats())
	return nil
}

const statsInterval = 10 * time.Second

func logStats(logger logging.Logger, msg string, stats perception.Stats) {
	logger.Infow(msg,
		"frames", stats.Frames,
		"emitted_frames", stats.EmittedFrames,
		"detections", stats.Detections,
		"mean_latency", stats.MeanLatency,
		"p95_latency", stats.P95Latency,
	)
}

// newDetector tracks the backend's detections after dropping those under the confidence floor
// or smaller than the minimum area in detector input pixels.
func newDetector(cfg *config.Config, backend objectdetection.Backend) (objectdetection.Detector, error) {
	tracker := objectdetection.NewCentroidTracker(objectdetection.DefaultFramesStory, objectdetection.DefaultMaxDistance, true)
	return objectdetection.New(backend, tracker,
		objectdetection.NewScoreFilter(cfg.ConfidenceFloor),
		objectdetection.NewAreaFilter(cfg.MinBoxArea),
	)
}

func newSender(ctx context.Context, cfg *config.Config, logger logging.Logger) (messaging.Sender, error) {
	switch cfg.Transport {
	case config.TransportOD4:
		return messaging.NewOD4Session(cfg.ConferenceID, logger.Sublogger("od4"))
	case config.TransportRedis:
		return messaging.NewRedisPublisher(ctx, cfg.Redis, logger.Sublogger("redis"))
	case config.TransportLog:
		return messaging.NewLogSender(logger.Sublogger("messages")), nil
	}
	return nil, errors.Errorf("unknown transport %q", cfg.Transport)
}
