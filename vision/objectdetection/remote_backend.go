package objectdetection

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"go.viam.com/birdview/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// detectionRowLen is the number of values per detection row: x, y, w, h, prob, class.
const detectionRowLen = 6

// RemoteBackendConfig configures a RemoteBackend.
type RemoteBackendConfig struct {
	// URL is the base address of the inference server, e.g. http://localhost:8000.
	URL string
	// Model is the served model name. It defaults to the base name of WeightFile.
	Model      string
	WeightFile string
	InputName  string
	UseGPU     bool
	Timeout    time.Duration
}

// RemoteBackend runs detection on a model server speaking the KServe v2 REST protocol.
type RemoteBackend struct {
	endpoint  string
	model     string
	inputName string
	useGPU    bool
	client    *http.Client
	logger    logging.Logger
}

// ModelNameFromWeightFile returns the served model name for a weight file path, e.g.
// "/models/cones.weights" becomes "cones".
func ModelNameFromWeightFile(weightFile string) string {
	base := filepath.Base(weightFile)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// NewRemoteBackend validates cfg and returns a backend for it.
func NewRemoteBackend(cfg RemoteBackendConfig, logger logging.Logger) (*RemoteBackend, error) {
	if cfg.URL == "" {
		return nil, errors.New("remote detector needs a URL")
	}
	model := cfg.Model
	if model == "" && cfg.WeightFile != "" {
		model = ModelNameFromWeightFile(cfg.WeightFile)
	}
	if model == "" {
		return nil, errors.New("remote detector needs a model name or weight file")
	}
	inputName := cfg.InputName
	if inputName == "" {
		inputName = "images"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &RemoteBackend{
		endpoint:  fmt.Sprintf("%s/v2/models/%s/infer", strings.TrimRight(cfg.URL, "/"), model),
		model:     model,
		inputName: inputName,
		useGPU:    cfg.UseGPU,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}, nil
}

type inferTensor struct {
	Name     string    `json:"name"`
	Shape    []int     `json:"shape"`
	Datatype string    `json:"datatype"`
	Data     []float32 `json:"data"`
}

type inferRequest struct {
	Inputs     []inferTensor          `json:"inputs"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

type inferResponse struct {
	ModelName string        `json:"model_name"`
	Outputs   []inferTensor `json:"outputs"`
	Error     string        `json:"error,omitempty"`
}

// Detect posts img to the model server and decodes one detection per output row.
func (rb *RemoteBackend) Detect(ctx context.Context, img *tensor.Dense, confidenceFloor float64) ([]Detection, error) {
	data, ok := img.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("remote detector needs a float32 tensor, got %v", img.Dtype())
	}
	body, err := json.Marshal(inferRequest{
		Inputs: []inferTensor{{
			Name:     rb.inputName,
			Shape:    []int(img.Shape()),
			Datatype: "FP32",
			Data:     data,
		}},
		Parameters: map[string]interface{}{
			"confidence_threshold": confidenceFloor,
			"use_gpu":              rb.useGPU,
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rb.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := rb.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "inference request to %s failed", rb.model)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			rb.logger.Debugw("closing inference response", "error", err)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out inferResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrapf(err, "decoding inference response (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("inference on %s failed with status %d: %s", rb.model, resp.StatusCode, out.Error)
	}
	if len(out.Outputs) == 0 {
		return nil, errors.Errorf("inference on %s returned no outputs", rb.model)
	}
	return decodeDetectionRows(out.Outputs[0].Data, confidenceFloor)
}

func decodeDetectionRows(rows []float32, confidenceFloor float64) ([]Detection, error) {
	if len(rows)%detectionRowLen != 0 {
		return nil, errors.Errorf("detection output of %d values is not a multiple of %d", len(rows), detectionRowLen)
	}
	dets := make([]Detection, 0, len(rows)/detectionRowLen)
	for i := 0; i < len(rows); i += detectionRowLen {
		row := rows[i : i+detectionRowLen]
		prob := float64(row[4])
		if prob < confidenceFloor {
			continue
		}
		x, y := int(row[0]), int(row[1])
		dets = append(dets, Detection{
			Box:         image.Rect(x, y, x+int(row[2]), y+int(row[3])),
			Probability: prob,
			ClassID:     ClassID(row[5]),
		})
	}
	return dets, nil
}
