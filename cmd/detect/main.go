// Command detect runs the YOLOv3 head over an ONNX MobileNetV2 backbone on images
// and prints the detections.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cyclopcam/logs"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-yolov3/backbone"
	"github.com/nvr-ai/go-yolov3/detector"
	"github.com/nvr-ai/go-yolov3/images"
	"github.com/nvr-ai/go-yolov3/metrics"
	"github.com/nvr-ai/go-yolov3/models/yolov3"
)

func main() {
	var (
		configPath   string
		weightsDir   string
		backbonePath string
		libraryPath  string
		provider     string
		imagePath    string
		outputDir    string
		metricsAddr  string
		describe     bool
	)
	flag.StringVar(&configPath, "config", "", "Path to the head YAML config (defaults to the full NMS head)")
	flag.StringVar(&weightsDir, "weights", "", "Directory of .npy head weights")
	flag.StringVar(&backbonePath, "backbone", "mobilenetv2.onnx", "Path to the ONNX feature extractor")
	flag.StringVar(&libraryPath, "onnxruntime", "", "Path to the onnxruntime shared library")
	flag.StringVar(&provider, "provider", backbone.ProviderCPU, "Execution provider: cpu, coreml or cuda")
	flag.StringVar(&imagePath, "image", "", "Path to an image, or a directory of images, to run on")
	flag.StringVar(&outputDir, "output-dir", "", "Write an annotated copy of the image here")
	flag.StringVar(&metricsAddr, "metrics", "", "Serve Prometheus metrics on this address and keep running")
	flag.BoolVar(&describe, "describe", false, "Print the head layers and exit")
	flag.Parse()

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	if err := run(logger, options{
		configPath:   configPath,
		weightsDir:   weightsDir,
		backbonePath: backbonePath,
		libraryPath:  libraryPath,
		provider:     provider,
		imagePath:    imagePath,
		outputDir:    outputDir,
		metricsAddr:  metricsAddr,
		describe:     describe,
	}); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

type options struct {
	configPath, weightsDir, backbonePath, libraryPath, provider string
	imagePath, outputDir, metricsAddr                           string
	describe                                                    bool
}

func loadConfig(path string) (yolov3.Config, error) {
	if path == "" {
		return yolov3.DynamicConfig(yolov3.ProfileFull, false), nil
	}
	return yolov3.LoadConfig(path)
}

func run(logger logs.Log, o options) error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	if o.describe {
		s, err := yolov3.Describe(cfg)
		if err != nil {
			return err
		}
		fmt.Print(s)
		return nil
	}
	if o.imagePath == "" {
		return fmt.Errorf("-image is required")
	}
	if o.weightsDir == "" {
		return fmt.Errorf("-weights is required")
	}

	bundle, err := yolov3.LoadBundle(o.weightsDir)
	if err != nil {
		return err
	}
	logger.Infof("Loaded %d weight blocks from %s (%d backbone)", len(bundle), o.weightsDir, len(bundle.Backbone()))

	var opts []yolov3.Option
	if cfg.Dynamic {
		opts = append(opts, yolov3.WithWeights(bundle))
	}
	net, err := yolov3.NewNetwork(cfg, opts...)
	if err != nil {
		return err
	}
	if !cfg.Dynamic {
		n, err := net.Registry().Restore(bundle)
		if err != nil {
			return err
		}
		logger.Infof("Restored %d of %d head parameters", n, net.Registry().Len())
	}

	oc := backbone.DefaultONNXConfig(o.backbonePath)
	oc.LibraryPath = o.libraryPath
	oc.Provider = o.provider
	bb, err := backbone.NewONNX(cfg, oc)
	if err != nil {
		return err
	}

	m := metrics.New()
	det, err := detector.New(logger, net, bb, m)
	if err != nil {
		bb.Close()
		return err
	}
	defer det.Close()

	paths := []string{o.imagePath}
	if info, err := os.Stat(o.imagePath); err == nil && info.IsDir() {
		files, err := images.ListImageFiles(o.imagePath)
		if err != nil {
			return err
		}
		paths = paths[:0]
		for _, f := range files {
			paths = append(paths, f.Path)
		}
		logger.Infof("Processing %d images from %s", len(paths), o.imagePath)
	}

	for _, path := range paths {
		if err := detectFile(logger, det, path, o.outputDir); err != nil {
			return err
		}
	}

	if o.metricsAddr != "" {
		logger.Infof("Serving metrics on %s/metrics", o.metricsAddr)
		http.Handle("/metrics", m.Handler())
		return http.ListenAndServe(o.metricsAddr, nil)
	}
	return nil
}

func detectFile(logger logs.Log, det *detector.Detector, path, outputDir string) error {
	mat := gocv.IMRead(path, gocv.IMReadColor)
	if mat.Empty() {
		return fmt.Errorf("error reading image: %s", path)
	}
	defer mat.Close()

	img, err := mat.ToImage()
	if err != nil {
		return fmt.Errorf("error converting image: %w", err)
	}
	dets, err := det.Detect(img)
	if err != nil {
		return err
	}

	logger.Infof("Found %d objects in %s (%dx%d)", len(dets), path, mat.Cols(), mat.Rows())
	for i, d := range dets {
		fmt.Printf("%d: %s\n", i+1, d)
	}
	if outputDir == "" {
		return nil
	}
	return annotate(&mat, dets, path, outputDir)
}

func annotate(mat *gocv.Mat, dets []detector.Detection, imagePath, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	green := color.RGBA{0, 255, 0, 0}
	for _, d := range dets {
		box := image.Rect(int(d.Box.X1), int(d.Box.Y1), int(d.Box.X2), int(d.Box.Y2))
		gocv.Rectangle(mat, box, green, 2)
		gocv.PutText(mat, fmt.Sprintf("%s %.2f", d.Label, d.Score), box.Min, gocv.FontHersheyPlain, 0.8, green, 2)
	}
	out := filepath.Join(outputDir, "detected_"+filepath.Base(imagePath))
	if !gocv.IMWrite(out, *mat) {
		return fmt.Errorf("failed to write %s", out)
	}
	return nil
}
