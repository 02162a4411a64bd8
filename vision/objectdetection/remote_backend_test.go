package objectdetection

import (
	"context"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.viam.com/test"
	"gorgonia.org/tensor"

	"go.viam.com/birdview/logging"
)

func TestModelNameFromWeightFile(t *testing.T) {
	test.That(t, ModelNameFromWeightFile("/opt/models/yolo-cones.weights"), test.ShouldEqual, "yolo-cones")
	test.That(t, ModelNameFromWeightFile("cones"), test.ShouldEqual, "cones")
}

func TestNewRemoteBackendValidation(t *testing.T) {
	logger := logging.NewTestLogger(t)
	_, err := NewRemoteBackend(RemoteBackendConfig{}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewRemoteBackend(RemoteBackendConfig{URL: "http://localhost:8000"}, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRemoteBackendDetect(t *testing.T) {
	logger := logging.NewTestLogger(t)
	var got inferRequest
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, err := io.ReadAll(r.Body)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, json.Unmarshal(body, &got), test.ShouldBeNil)
		w.Header().Set("Content-Type", "application/json")
		//nolint:errcheck
		w.Write([]byte(`{"model_name":"yolo-cones","outputs":[{"name":"detections","shape":[3,6],"datatype":"FP32",
			"data":[10,20,30,40,0.9,1, 5,5,4,4,0.1,0, 100,50,8,16,0.5,3]}]}`))
	}))
	defer srv.Close()

	rb, err := NewRemoteBackend(RemoteBackendConfig{URL: srv.URL + "/", WeightFile: "/models/yolo-cones.weights", UseGPU: true}, logger)
	test.That(t, err, test.ShouldBeNil)

	img := tensor.New(tensor.WithShape(1, 3, 2, 2), tensor.WithBacking(make([]float32, 12)))
	dets, err := rb.Detect(context.Background(), img, DefaultConfidenceFloor)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, gotPath, test.ShouldEqual, "/v2/models/yolo-cones/infer")
	test.That(t, got.Inputs, test.ShouldHaveLength, 1)
	test.That(t, got.Inputs[0].Shape, test.ShouldResemble, []int{1, 3, 2, 2})
	test.That(t, got.Inputs[0].Datatype, test.ShouldEqual, "FP32")
	test.That(t, got.Parameters["use_gpu"], test.ShouldEqual, true)

	test.That(t, dets, test.ShouldHaveLength, 2)
	test.That(t, dets[0].Box, test.ShouldResemble, image.Rect(10, 20, 40, 60))
	test.That(t, dets[0].ClassID, test.ShouldEqual, BlueCone)
	test.That(t, dets[0].Probability, test.ShouldAlmostEqual, 0.9, 1e-6)
	test.That(t, dets[1].ClassID, test.ShouldEqual, BigOrangeCone)
}

func TestRemoteBackendErrors(t *testing.T) {
	logger := logging.NewTestLogger(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		//nolint:errcheck
		w.Write([]byte(`{"error":"model not found"}`))
	}))
	defer srv.Close()

	rb, err := NewRemoteBackend(RemoteBackendConfig{URL: srv.URL, Model: "nope"}, logger)
	test.That(t, err, test.ShouldBeNil)
	img := tensor.New(tensor.WithShape(1, 3, 1, 1), tensor.WithBacking(make([]float32, 3)))
	_, err = rb.Detect(context.Background(), img, DefaultConfidenceFloor)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "model not found")

	_, err = decodeDetectionRows(make([]float32, 7), 0)
	test.That(t, err, test.ShouldNotBeNil)

	ints := tensor.New(tensor.WithShape(1), tensor.WithBacking([]int{1}))
	_, err = rb.Detect(context.Background(), ints, DefaultConfidenceFloor)
	test.That(t, err, test.ShouldNotBeNil)
}
