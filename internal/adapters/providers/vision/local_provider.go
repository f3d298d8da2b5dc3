package vision

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tphakala/go-tflite"
	"golang.org/x/image/draw"

	"github.com/googolhealth/medannotator/backend/pkg/config"
	apperrors "github.com/googolhealth/medannotator/backend/pkg/errors"
)

// scoreThreshold is the minimum classifier score reported as a finding.
const scoreThreshold = 0.35

// LocalProvider runs a TFLite radiology classifier on the local machine. The
// model is materialized on the first Analyze call; concurrent first-calls
// block on a single initialization and a failed load stays failed for the
// process lifetime.
type LocalProvider struct {
	cfg config.VisionConfig

	once    sync.Once
	loadErr error

	interpreter *tflite.Interpreter
	labels      []string
	inputH      int
	inputW      int
	inputC      int

	// Inference is serialized; the interpreter holds one set of tensors.
	inferMu sync.Mutex
}

// NewLocalProvider creates a local vision provider. The model is not loaded
// until the first Analyze call so startup stays fast.
func NewLocalProvider(cfg config.VisionConfig) *LocalProvider {
	return &LocalProvider{cfg: cfg}
}

// Analyze classifies the image and renders the scores as a free-form medical
// assessment for the downstream validator.
func (p *LocalProvider) Analyze(ctx context.Context, imageBytes []byte, prompt string) (string, error) {
	p.once.Do(p.load)
	if p.loadErr != nil {
		return "", apperrors.NewUnavailableError("vision model is not loadable", p.loadErr)
	}
	if err := ctx.Err(); err != nil {
		return "", apperrors.NewTimeoutError("vision analysis aborted", err)
	}

	img, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return "", apperrors.NewValidationError("unrecognized image format: " + err.Error())
	}

	input := p.tensorInput(img)

	p.inferMu.Lock()
	scores, err := p.invoke(input)
	p.inferMu.Unlock()
	if err != nil {
		return "", apperrors.NewInternalError("vision inference failed", err)
	}

	return p.renderAssessment(scores, prompt), nil
}

// Healthy reports the sticky load state. An unloaded model is healthy; it will
// load on first use.
func (p *LocalProvider) Healthy(ctx context.Context) error {
	if p.loadErr != nil {
		return apperrors.NewUnavailableError("vision model failed to load", p.loadErr)
	}
	return nil
}

func (p *LocalProvider) load() {
	modelPath := filepath.Join(p.cfg.CacheDir, p.cfg.ModelID+".tflite")
	log.Info().Str("model", p.cfg.ModelID).Str("path", modelPath).Msg("loading vision model")

	model := tflite.NewModelFromFile(modelPath)
	if model == nil {
		p.loadErr = fmt.Errorf("cannot load model file %s", modelPath)
		return
	}

	options := tflite.NewInterpreterOptions()
	options.SetNumThread(p.threads())

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		p.loadErr = fmt.Errorf("cannot create interpreter for %s", p.cfg.ModelID)
		return
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		p.loadErr = fmt.Errorf("tensor allocation failed for %s", p.cfg.ModelID)
		return
	}

	input := interpreter.GetInputTensor(0)
	if input == nil || input.NumDims() < 3 {
		p.loadErr = fmt.Errorf("unexpected input tensor shape for %s", p.cfg.ModelID)
		return
	}
	p.inputH = input.Dim(1)
	p.inputW = input.Dim(2)
	p.inputC = 1
	if input.NumDims() > 3 {
		p.inputC = input.Dim(3)
	}

	labels, err := loadLabels(p.labelPath())
	if err != nil {
		p.loadErr = fmt.Errorf("cannot load label file: %w", err)
		return
	}

	output := interpreter.GetOutputTensor(0)
	if output == nil {
		p.loadErr = fmt.Errorf("cannot read output tensor for %s", p.cfg.ModelID)
		return
	}
	if n := output.Dim(output.NumDims() - 1); n != len(labels) {
		p.loadErr = fmt.Errorf("label count mismatch: model emits %d classes, label file has %d", n, len(labels))
		return
	}

	p.interpreter = interpreter
	p.labels = labels
	log.Info().Int("classes", len(labels)).Int("height", p.inputH).Int("width", p.inputW).
		Msg("vision model loaded")
}

func (p *LocalProvider) threads() int {
	switch p.cfg.Device {
	case "gpu", "accelerator":
		// Delegate support is not compiled in; fall back to the CPU path.
		log.Warn().Str("device", p.cfg.Device).Msg("hardware delegate unavailable, using CPU")
		return runtime.NumCPU()
	case "cpu", "auto", "":
		return runtime.NumCPU()
	default:
		return runtime.NumCPU()
	}
}

func (p *LocalProvider) labelPath() string {
	if p.cfg.LabelPath != "" {
		return p.cfg.LabelPath
	}
	return filepath.Join(p.cfg.CacheDir, p.cfg.ModelID+".labels.txt")
}

// tensorInput scales the image to the model's input resolution and normalizes
// pixel values to [0, 1].
func (p *LocalProvider) tensorInput(img image.Image) []float32 {
	scaled := image.NewRGBA(image.Rect(0, 0, p.inputW, p.inputH))
	draw.NearestNeighbor.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Src, nil)

	input := make([]float32, p.inputH*p.inputW*p.inputC)
	i := 0
	for y := 0; y < p.inputH; y++ {
		for x := 0; x < p.inputW; x++ {
			r, g, b, _ := scaled.At(x, y).RGBA()
			if p.inputC == 1 {
				gray := (float32(r) + float32(g) + float32(b)) / 3.0
				input[i] = gray / 65535.0
				i++
				continue
			}
			input[i] = float32(r) / 65535.0
			input[i+1] = float32(g) / 65535.0
			input[i+2] = float32(b) / 65535.0
			i += p.inputC
		}
	}
	return input
}

func (p *LocalProvider) invoke(input []float32) ([]float32, error) {
	copy(p.interpreter.GetInputTensor(0).Float32s(), input)

	if status := p.interpreter.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("interpreter invoke failed")
	}

	out := p.interpreter.GetOutputTensor(0)
	scores := make([]float32, len(p.labels))
	copy(scores, out.Float32s())
	return scores, nil
}

type scoredLabel struct {
	label string
	score float32
}

// renderAssessment turns classifier scores into the free-form analysis text
// the validator expects: imaging context, findings, and a confidence line.
func (p *LocalProvider) renderAssessment(scores []float32, prompt string) string {
	var positive []scoredLabel
	var top scoredLabel
	for i, score := range scores {
		if score > top.score {
			top = scoredLabel{label: p.labels[i], score: score}
		}
		if score >= scoreThreshold {
			positive = append(positive, scoredLabel{label: p.labels[i], score: score})
		}
	}
	sort.Slice(positive, func(i, j int) bool { return positive[i].score > positive[j].score })

	var b strings.Builder
	b.WriteString("Automated radiograph assessment.\n")
	if prompt != "" {
		fmt.Fprintf(&b, "Requested focus: %s\n", prompt)
	}
	b.WriteString("\nFindings:\n")
	if len(positive) == 0 {
		b.WriteString("- No significant abnormality detected; lung fields and osseous structures appear within normal limits.\n")
		fmt.Fprintf(&b, "\nConfidence: the strongest class response was %s at %.2f, below the reporting threshold.\n",
			strings.ToLower(top.label), top.score)
		return b.String()
	}
	for _, f := range positive {
		fmt.Fprintf(&b, "- Appearance consistent with %s (model score %.2f).\n", strings.ToLower(f.label), f.score)
	}
	fmt.Fprintf(&b, "\nConfidence: leading finding %s at %.2f.\n", strings.ToLower(positive[0].label), positive[0].score)
	b.WriteString("Recommend correlation with clinical presentation and prior imaging.\n")
	return b.String()
}

func loadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			labels = append(labels, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("label file %s is empty", path)
	}
	return labels, nil
}
