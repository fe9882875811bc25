package config

import (
	iface "TableDetServer/interface"
	"TableDetServer/label"
	"TableDetServer/ocr"
	"TableDetServer/render"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RenderConfig struct {
	PendingColor string  `yaml:"PendingColor" validate:"hexcolor"`
	MatchColor   string  `yaml:"MatchColor" validate:"hexcolor"`
	NoMatchColor string  `yaml:"NoMatchColor" validate:"hexcolor"`
	FillAlpha    float64 `yaml:"FillAlpha" validate:"gte=0,lte=1"`
}

type LogConfig struct {
	Development bool   `yaml:"Development"`
	File        string `yaml:"File"`
	MaxSizeMB   int    `yaml:"MaxSizeMB" validate:"gte=0"`
	MaxBackups  int    `yaml:"MaxBackups" validate:"gte=0"`
	MaxAgeDays  int    `yaml:"MaxAgeDays" validate:"gte=0"`
}

type Config struct {
	RPCPort       int    `yaml:"RPCPort" validate:"gte=0,lte=65535"`
	HTTPPort      int    `yaml:"HTTPPort" validate:"gte=0,lte=65535"`
	MetricsPort   int    `yaml:"MetricsPort" validate:"gte=0,lte=65535"`
	UseRegServer  bool   `yaml:"UseRegServer"`
	RegServerHost string `yaml:"RegServerHost" validate:"required_if=UseRegServer true"`
	RegServerPort int    `yaml:"RegServerPort" validate:"gte=0,lte=65535"`
	InstanceClass string `yaml:"instanceClass" validate:"omitempty,oneof=Cpu Cuda Dml Rocm"`

	InferenceBackend  string `yaml:"InferenceBackend" validate:"required"`
	ModelPath         string `yaml:"ModelPath" validate:"required"`
	SharedLibraryPath string `yaml:"SharedLibraryPath"`
	UseGPU            bool   `yaml:"UseGPU"`
	InputName         string `yaml:"InputName"`
	OutputName        string `yaml:"OutputName"`

	ModelInputShape        []int                `yaml:"modelInputShape" validate:"len=4,dive,gt=0"`
	ConfidenceThreshold    float32              `yaml:"confidenceThreshold" validate:"gte=0,lte=1"`
	IouThreshold           float32              `yaml:"iouThreshold" validate:"gte=0,lte=1"`
	MaxDetections          int                  `yaml:"maxDetections" validate:"gt=0"`
	WorkingResolutionScale float64              `yaml:"workingResolutionScale" validate:"gt=0"`
	Frame                  iface.FrameFractions `yaml:"frame"`
	Vocabulary             []string             `yaml:"vocabulary"`
	VocabularyFile         string               `yaml:"vocabularyFile"`

	OCR    ocr.Config   `yaml:"OCR"`
	Render RenderConfig `yaml:"Render"`
	Log    LogConfig    `yaml:"Log"`
}

// Default is used for any key config.yaml leaves out.
func Default() Config {
	return Config{
		RPCPort:                50051,
		HTTPPort:               8080,
		MetricsPort:            9100,
		InstanceClass:          "Cpu",
		InferenceBackend:       "opencv",
		InputName:              "images",
		OutputName:             "output0",
		ModelInputShape:        []int{1, 3, 640, 640},
		ConfidenceThreshold:    0.25,
		IouThreshold:           0.45,
		MaxDetections:          100,
		WorkingResolutionScale: 1,
		Frame:                  iface.FrameFractions{Left: 0.02, Top: 0.05, Right: 0.02, Bottom: 0.02},
		OCR: ocr.Config{
			Provider:       "none",
			Language:       "eng",
			TimeoutSeconds: 30,
		},
		Render: RenderConfig{
			PendingColor: render.DefaultPending,
			MatchColor:   render.DefaultMatch,
			NoMatchColor: render.DefaultNoMatch,
			FillAlpha:    render.DefaultFillAlpha,
		},
		Log: LogConfig{MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 7},
	}
}

// Load reads a yaml file over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parse config: %v", iface.ErrInvalidInput, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("%w: config %s failed %q (value %v)", iface.ErrInvalidInput, first.Namespace(), first.Tag(), first.Value())
		}
		return fmt.Errorf("%w: %v", iface.ErrInvalidInput, err)
	}
	return nil
}

// LoadEnv loads .env style files into the process environment. Missing files are skipped.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func (c Config) Engine() iface.EngineConfig {
	return iface.EngineConfig{
		Backend:       c.InferenceBackend,
		ModelPath:     c.ModelPath,
		SharedLibrary: c.SharedLibraryPath,
		InputName:     c.InputName,
		OutputName:    c.OutputName,
		InputShape:    append([]int(nil), c.ModelInputShape...),
		Conf:          c.ConfidenceThreshold,
		Iou:           c.IouThreshold,
		MaxDetections: c.MaxDetections,
		UseGPU:        c.UseGPU,
		WorkingScale:  c.WorkingResolutionScale,
	}
}

// LabelVocabulary merges the inline list with the optional vocabulary file.
func (c Config) LabelVocabulary() (label.Vocabulary, error) {
	vocab := label.NewVocabulary(c.Vocabulary)
	if c.VocabularyFile == "" {
		return vocab, nil
	}
	fromFile, err := label.LoadVocabulary(c.VocabularyFile)
	if err != nil {
		return nil, err
	}
	return append(vocab, fromFile...), nil
}

func (c Config) Palette() (render.Palette, error) {
	return render.NewPalette(c.Render.PendingColor, c.Render.MatchColor, c.Render.NoMatchColor, c.Render.FillAlpha)
}

func (c Config) OCRTimeout() time.Duration {
	return time.Duration(c.OCR.TimeoutSeconds) * time.Second
}
