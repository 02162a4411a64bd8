package objectdetection

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// NetworkConfig is the input geometry declared in the [net] section of a darknet .cfg file.
type NetworkConfig struct {
	Width    int
	Height   int
	Channels int
}

func (nc NetworkConfig) String() string {
	return fmt.Sprintf("%dx%dx%d", nc.Width, nc.Height, nc.Channels)
}

// ReadNetworkConfig reads the network input size from a darknet .cfg file.
func ReadNetworkConfig(path string) (cfg NetworkConfig, err error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return NetworkConfig{}, errors.Wrap(err, "cannot open network config")
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	cfg, err = ParseNetworkConfig(f)
	if err != nil {
		return NetworkConfig{}, errors.Wrapf(err, "in %s", path)
	}
	return cfg, nil
}

// ParseNetworkConfig parses width, height and channels from the first [net] or [network]
// section. Comments start with '#' or ';'. Channels defaults to 3.
func ParseNetworkConfig(r io.Reader) (NetworkConfig, error) {
	cfg := NetworkConfig{Channels: 3}
	inNet := false
	seenNet := false
	scanner := bufio.NewScanner(r)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}
		if strings.HasPrefix(line, "[") {
			if seenNet {
				break
			}
			section := strings.Trim(line, "[]")
			inNet = section == "net" || section == "network"
			seenNet = inNet
			continue
		}
		if !inNet {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		var dst *int
		switch strings.TrimSpace(key) {
		case "width":
			dst = &cfg.Width
		case "height":
			dst = &cfg.Height
		case "channels":
			dst = &cfg.Channels
		default:
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return NetworkConfig{}, errors.Wrapf(err, "line %d", lineNo)
		}
		*dst = v
	}
	if err := scanner.Err(); err != nil {
		return NetworkConfig{}, err
	}
	if !seenNet {
		return NetworkConfig{}, errors.New("no [net] section")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return NetworkConfig{}, errors.Errorf("invalid network input size %dx%d", cfg.Width, cfg.Height)
	}
	return cfg, nil
}
