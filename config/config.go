// Package config defines the settings of a perception process and how they are derived from
// command line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/birdview/messaging"
	"go.viam.com/birdview/rimage"
	"go.viam.com/birdview/rimage/transform"
	"go.viam.com/birdview/vision/objectdetection"
)

// ErrMissingFlag is returned when a required flag was not given.
var ErrMissingFlag = errors.New("missing required flag")

// Transport selects how perception messages leave the process.
type Transport string

// The known transports.
const (
	TransportOD4   Transport = "od4"
	TransportRedis Transport = "redis"
	TransportLog   Transport = "log"
)

// Defaults applied by FromArguments.
const (
	DefaultName         = "video0"
	DefaultConferenceID = 111
	DefaultDetectorURL  = "http://localhost:8000"
	DefaultRedisChannel = "perception"
	DefaultMinBoxArea   = 4
)

// Arguments are the command line flags of the detect command.
type Arguments struct {
	NetworkConfigFile string `flag:"cfg-file,usage=darknet network config file"`
	WeightFile        string `flag:"weight-file,usage=detector weight file"`
	Width             int    `flag:"width,usage=width of the frame in pixels"`
	Height            int    `flag:"height,usage=height of the frame in pixels"`
	Name              string `flag:"name,default=video0,usage=base name of the shared memory regions"`
	Camera            string `flag:"camera,default=car,usage=camera deployment (car or office)"`
	ID                int    `flag:"id,usage=sender id of the emitted messages"`
	Verbose           bool   `flag:"verbose,usage=log per frame diagnostics"`
	ConferenceID      int    `flag:"cid,default=111,usage=OD4 conference id"`
	Transport         string `flag:"transport,default=od4,usage=message transport (od4 or redis or log)"`
	RedisAddr         string `flag:"redis-addr,usage=redis address for the redis transport"`
	RedisChannel      string `flag:"redis-channel,default=perception,usage=redis channel prefix"`
	DetectorURL       string `flag:"detector-url,default=http://localhost:8000,usage=KServe inference endpoint"`
	Bilinear          bool   `flag:"bilinear,usage=bilinear resampling instead of nearest neighbour"`
	NoDepth           bool   `flag:"no-depth,usage=ignore the depth and confidence regions"`
	LogFile           string `flag:"log-file,usage=also write logs to this rotating file"`
	ShmDir            string `flag:"shm-dir,usage=directory of the shared memory regions (default /dev/shm)"`
	UseGPU            bool   `flag:"use-gpu,usage=ask the inference server to run on a GPU"`
	MinBoxArea        int    `flag:"min-area,default=4,usage=smallest detection area in detector input pixels"`
}

// Config is the validated configuration of a perception process. It is not modified after
// Validate succeeds.
type Config struct {
	NetworkConfigFile string
	WeightFile        string
	Width             int
	Height            int
	Name              string
	Camera            transform.DeploymentContext
	SenderID          uint32
	Verbose           bool

	Transport    Transport
	ConferenceID uint8
	Redis        messaging.RedisConfig

	Detector        objectdetection.RemoteBackendConfig
	ConfidenceFloor float64
	MinBoxArea      int
	SampleMode      rimage.SampleMode
	NoDepth         bool
	LogFile         string
	ShmDir          string
}

// FromArguments builds a Config from parsed flags, applies defaults and validates it.
func FromArguments(args Arguments) (*Config, error) {
	for _, req := range []struct {
		name  string
		empty bool
	}{
		{"cfg-file", args.NetworkConfigFile == ""},
		{"weight-file", args.WeightFile == ""},
		{"width", args.Width == 0},
		{"height", args.Height == 0},
	} {
		if req.empty {
			return nil, errors.Wrapf(ErrMissingFlag, "--%s", req.name)
		}
	}

	camera, err := transform.ParseDeploymentContext(args.Camera)
	if err != nil {
		return nil, utils.NewConfigValidationError("camera", err)
	}
	if args.ID < 0 {
		return nil, utils.NewConfigValidationError("id", errors.Errorf("sender id %d is negative", args.ID))
	}
	if args.ConferenceID < 0 || args.ConferenceID > 255 {
		return nil, utils.NewConfigValidationError("cid", errors.Errorf("conference id %d out of range", args.ConferenceID))
	}

	cfg := &Config{
		NetworkConfigFile: args.NetworkConfigFile,
		WeightFile:        args.WeightFile,
		Width:             args.Width,
		Height:            args.Height,
		Name:              args.Name,
		Camera:            camera,
		SenderID:          uint32(args.ID),
		Verbose:           args.Verbose,
		Transport:         Transport(strings.ToLower(args.Transport)),
		ConferenceID:      uint8(args.ConferenceID),
		Redis: messaging.RedisConfig{
			Addr:          args.RedisAddr,
			ChannelPrefix: args.RedisChannel,
		},
		Detector: objectdetection.RemoteBackendConfig{
			URL:        args.DetectorURL,
			WeightFile: args.WeightFile,
			UseGPU:     args.UseGPU,
		},
		ConfidenceFloor: objectdetection.DefaultConfidenceFloor,
		MinBoxArea:      args.MinBoxArea,
		SampleMode:      rimage.Nearest,
		NoDepth:         args.NoDepth,
		LogFile:         args.LogFile,
		ShmDir:          args.ShmDir,
	}
	if args.Bilinear {
		cfg.SampleMode = rimage.Bilinear
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportOD4
	}
	if cfg.Detector.URL == "" {
		cfg.Detector.URL = DefaultDetectorURL
	}
	if cfg.Redis.ChannelPrefix == "" {
		cfg.Redis.ChannelPrefix = DefaultRedisChannel
	}
	if cfg.Detector.Timeout == 0 {
		cfg.Detector.Timeout = 5 * time.Second
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures all parts of the config are valid. The camera must be one with known
// intrinsics so the process never runs with undefined calibration.
func (cfg *Config) Validate() error {
	if cfg.NetworkConfigFile == "" {
		return utils.NewConfigValidationFieldRequiredError("", "cfg-file")
	}
	if cfg.WeightFile == "" {
		return utils.NewConfigValidationFieldRequiredError("", "weight-file")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return utils.NewConfigValidationError("", errors.Errorf("invalid frame size %dx%d", cfg.Width, cfg.Height))
	}
	if cfg.Name == "" {
		return utils.NewConfigValidationFieldRequiredError("", "name")
	}
	if _, err := cfg.Intrinsics(); err != nil {
		return utils.NewConfigValidationError("height", err)
	}
	if cfg.ConfidenceFloor < 0 || cfg.ConfidenceFloor > 1 {
		return utils.NewConfigValidationError("", errors.Errorf("confidence floor %v not in [0, 1]", cfg.ConfidenceFloor))
	}
	if cfg.MinBoxArea < 0 {
		return utils.NewConfigValidationError("min-area", errors.Errorf("minimum box area %d is negative", cfg.MinBoxArea))
	}

	switch cfg.Transport {
	case TransportOD4:
		if cfg.ConferenceID < 2 || cfg.ConferenceID > 254 {
			return utils.NewConfigValidationError("cid", errors.Errorf("conference id %d out of range [2, 254]", cfg.ConferenceID))
		}
	case TransportRedis:
		if cfg.Redis.Addr == "" {
			return utils.NewConfigValidationFieldRequiredError("", "redis-addr")
		}
	case TransportLog:
	default:
		return utils.NewConfigValidationError("transport", errors.Errorf("unknown transport %q", cfg.Transport))
	}
	return nil
}

// Intrinsics returns the checked calibration of the configured camera.
func (cfg *Config) Intrinsics() (*transform.CameraIntrinsics, error) {
	intr, err := transform.IntrinsicsFor(cfg.Height, cfg.Camera)
	if err != nil {
		return nil, err
	}
	if err := intr.CheckValid(); err != nil {
		return nil, err
	}
	return intr, nil
}

// RegionName returns the shared memory region name for the given suffix.
func (cfg *Config) RegionName(suffix string) string {
	return cfg.Name + suffix
}

func (cfg *Config) String() string {
	return fmt.Sprintf("%dx%d %s camera=%s transport=%s sender=%d",
		cfg.Width, cfg.Height, cfg.Name, cfg.Camera, cfg.Transport, cfg.SenderID)
}
