package config

import (
	"io/ioutil"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Task symbols. A generator instance only builds the decoders whose task is
// listed in Opts.Tasks.
const (
	TaskMask    = "m"
	TaskDepth   = "d"
	TaskSeg     = "s"
	TaskPainter = "p"
)

// Architecture names recognized by Validate.
const (
	ArchBase      = "base"
	ArchDeeplabV2 = "deeplabv2"
	ArchDeeplabV3 = "deeplabv3"
	ArchDada      = "dada"

	BackboneResnet    = "resnet"
	BackboneMobilenet = "mobilenet"
)

// EncoderOpts selects and sizes the shared feature encoder.
type EncoderOpts struct {
	Architecture string  `yaml:"architecture"`
	Dim          int64   `yaml:"dim"`
	NDownsample  int64   `yaml:"n_downsample"`
	NRes         int64   `yaml:"n_res"`
	Norm         string  `yaml:"norm"`
	Activ        string  `yaml:"activ"`
	PadType      string  `yaml:"pad_type"`
	InitType     string  `yaml:"init_type"`
	InitGain     float64 `yaml:"init_gain"`
}

type DeeplabV3Opts struct {
	Backbone string `yaml:"backbone"`
}

// ClassifyOpts turns the depth decoder from a scalar regressor into a
// linearly spaced bucket classifier.
type ClassifyOpts struct {
	Enable  bool  `yaml:"enable"`
	Buckets int64 `yaml:"buckets"`
}

type DepthOpts struct {
	Architecture        string       `yaml:"architecture"`
	UpsampleFeaturemaps bool         `yaml:"upsample_featuremaps"`
	UseLowLevelFeats    bool         `yaml:"use_low_level_feats"`
	NRes                int64        `yaml:"n_res"`
	ProjDim             int64        `yaml:"proj_dim"`
	Norm                string       `yaml:"norm"`
	Activ               string       `yaml:"activ"`
	PadType             string       `yaml:"pad_type"`
	InitType            string       `yaml:"init_type"`
	InitGain            float64      `yaml:"init_gain"`
	Classify            ClassifyOpts `yaml:"classify"`
}

type SegOpts struct {
	Architecture string  `yaml:"architecture"`
	NumClasses   int64   `yaml:"num_classes"`
	UseDada      bool    `yaml:"use_dada"`
	InitType     string  `yaml:"init_type"`
	InitGain     float64 `yaml:"init_gain"`
}

// SpadeOpts configures the SPADE-conditioned mask decoder.
type SpadeOpts struct {
	LatentDim       int64  `yaml:"latent_dim"`
	Detach          bool   `yaml:"detach"`
	CondNC          int64  `yaml:"cond_nc"`
	NumLayers       int64  `yaml:"num_layers"`
	ParamFreeNorm   string `yaml:"param_free_norm"`
	UseSpectralNorm bool   `yaml:"use_spectral_norm"`
}

type MaskOpts struct {
	UseSpade         bool      `yaml:"use_spade"`
	UseLowLevelFeats bool      `yaml:"use_low_level_feats"`
	NUpsample        int64     `yaml:"n_upsample"`
	NRes             int64     `yaml:"n_res"`
	ProjDim          int64     `yaml:"proj_dim"`
	OutputDim        int64     `yaml:"output_dim"`
	Norm             string    `yaml:"norm"`
	Activ            string    `yaml:"activ"`
	PadType          string    `yaml:"pad_type"`
	InitType         string    `yaml:"init_type"`
	InitGain         float64   `yaml:"init_gain"`
	Spade            SpadeOpts `yaml:"spade"`
}

type PainterOpts struct {
	LatentDim            int64   `yaml:"latent_dim"`
	SpadeNUp             int64   `yaml:"spade_n_up"`
	NoZ                  bool    `yaml:"no_z"`
	PasteOriginalContent bool    `yaml:"paste_original_content"`
	UseFinalShortcut     bool    `yaml:"use_final_shortcut"`
	InitType             string  `yaml:"init_type"`
	InitGain             float64 `yaml:"init_gain"`
}

type GenOpts struct {
	Encoder   EncoderOpts   `yaml:"encoder"`
	DeeplabV3 DeeplabV3Opts `yaml:"deeplabv3"`
	D         DepthOpts     `yaml:"d"`
	S         SegOpts       `yaml:"s"`
	M         MaskOpts      `yaml:"m"`
	P         PainterOpts   `yaml:"p"`
}

type ValOpts struct {
	// ValPainter points at a separately trained painter checkpoint that
	// LoadValPainter swaps in for validation (best effort).
	ValPainter string `yaml:"val_painter"`
}

type DataOpts struct {
	// TargetSize is the spatial size depth predictions are interpolated to.
	// Zero means "not set": the depth decoder then refuses to run until
	// SetTargetSize is called.
	TargetSize int64 `yaml:"target_size"`
}

// Opts is the full generator configuration. It is read once at construction
// and treated as immutable afterwards.
type Opts struct {
	Tasks []string `yaml:"tasks"`
	Gen   GenOpts  `yaml:"gen"`
	Val   ValOpts  `yaml:"val"`
	Data  DataOpts `yaml:"data"`
}

// Default returns the reference configuration: deeplabv3/resnet encoder,
// DADA depth regression, deeplabv3 segmentation over 11 classes, SPADE mask
// decoder conditioned on depth+seg+image, and a 640-latent painter.
func Default() *Opts {
	return &Opts{
		Tasks: []string{TaskMask, TaskDepth, TaskSeg, TaskPainter},
		Gen: GenOpts{
			Encoder: EncoderOpts{
				Architecture: ArchDeeplabV3,
				Dim:          32,
				NDownsample:  3,
				NRes:         1,
				Norm:         "instance",
				Activ:        "lrelu",
				PadType:      "reflect",
				InitType:     "kaiming",
				InitGain:     0.02,
			},
			DeeplabV3: DeeplabV3Opts{Backbone: BackboneResnet},
			D: DepthOpts{
				Architecture: ArchDada,
				NRes:         0,
				ProjDim:      32,
				Norm:         "batch",
				Activ:        "lrelu",
				PadType:      "reflect",
				InitType:     "normal",
				InitGain:     0.02,
				Classify:     ClassifyOpts{Enable: false, Buckets: 10},
			},
			S: SegOpts{
				Architecture: ArchDeeplabV3,
				NumClasses:   11,
				UseDada:      true,
				InitType:     "kaiming",
				InitGain:     0.02,
			},
			M: MaskOpts{
				UseSpade:         true,
				UseLowLevelFeats: true,
				NUpsample:        4,
				NRes:             4,
				ProjDim:          64,
				OutputDim:        1,
				Norm:             "batch",
				Activ:            "lrelu",
				PadType:          "reflect",
				InitType:         "normal",
				InitGain:         0.02,
				Spade: SpadeOpts{
					LatentDim:     256,
					Detach:        true,
					CondNC:        15,
					NumLayers:     3,
					ParamFreeNorm: "instance",
				},
			},
			P: PainterOpts{
				LatentDim:            640,
				SpadeNUp:             7,
				PasteOriginalContent: true,
				UseFinalShortcut:     true,
				InitType:             "normal",
				InitGain:             0.02,
			},
		},
		Data: DataOpts{TargetSize: 640},
	}
}

// LoadOpts reads a YAML file over the defaults and validates the result.
func LoadOpts(path string) (*Opts, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading opts file %q", path)
	}
	opts := Default()
	if err := yaml.Unmarshal(buf, opts); err != nil {
		return nil, errors.Wrapf(err, "parsing opts file %q", path)
	}
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid opts file %q", path)
	}
	return opts, nil
}

// HasTask reports whether task t is requested.
func (o *Opts) HasTask(t string) bool {
	for _, task := range o.Tasks {
		if task == t {
			return true
		}
	}
	return false
}

// LatentDims returns the (high, low) channel widths of the latent produced
// by the configured encoder. Low is -1 when the encoder exposes no
// intermediate features.
func (o *Opts) LatentDims() (high, low int64) {
	switch o.Gen.Encoder.Architecture {
	case ArchDeeplabV3:
		if o.Gen.DeeplabV3.Backbone == BackboneMobilenet {
			return 320, 24
		}
		return 2048, 256
	case ArchDeeplabV2:
		return 2048, -1
	default:
		dim := o.Gen.Encoder.Dim
		for i := int64(0); i < o.Gen.Encoder.NDownsample; i++ {
			dim *= 2
		}
		return dim, -1
	}
}

// Validate fails fast on any unrecognized architecture name or inconsistent
// option combination. Nothing is silently defaulted.
func (o *Opts) Validate() error {
	for _, t := range o.Tasks {
		switch t {
		case TaskMask, TaskDepth, TaskSeg, TaskPainter:
		default:
			return errors.Errorf("unknown task %q (want one of m, d, s, p)", t)
		}
	}

	switch o.Gen.Encoder.Architecture {
	case ArchBase, ArchDeeplabV2, ArchDeeplabV3:
	default:
		return errors.Errorf("unknown encoder architecture %q", o.Gen.Encoder.Architecture)
	}
	if o.Gen.Encoder.Architecture == ArchDeeplabV3 {
		switch o.Gen.DeeplabV3.Backbone {
		case BackboneResnet, BackboneMobilenet:
		default:
			return errors.Errorf("unknown deeplabv3 backbone %q", o.Gen.DeeplabV3.Backbone)
		}
	}

	if o.HasTask(TaskDepth) {
		switch o.Gen.D.Architecture {
		case ArchBase, ArchDada:
		default:
			return errors.Errorf("unknown depth decoder architecture %q", o.Gen.D.Architecture)
		}
		if o.Gen.D.Classify.Enable && o.Gen.D.Classify.Buckets < 2 {
			return errors.Errorf("depth classification needs at least 2 buckets, got %d", o.Gen.D.Classify.Buckets)
		}
	}

	if o.HasTask(TaskSeg) {
		switch o.Gen.S.Architecture {
		case ArchDeeplabV2, ArchDeeplabV3:
		default:
			return errors.Errorf("unknown segmentation architecture %q", o.Gen.S.Architecture)
		}
		if o.Gen.S.NumClasses < 2 {
			return errors.Errorf("segmentation needs at least 2 classes, got %d", o.Gen.S.NumClasses)
		}
		if o.Gen.S.UseDada {
			if !o.HasTask(TaskDepth) || o.Gen.D.Architecture != ArchDada {
				return errors.New("gen.s.use_dada requires the dada depth decoder")
			}
			if high, _ := o.LatentDims(); high != 2048 {
				return errors.Errorf("gen.s.use_dada requires a 2048-channel encoder, got %d", high)
			}
		}
	}

	if o.HasTask(TaskMask) {
		if o.Gen.M.UseSpade {
			if !o.HasTask(TaskDepth) || !o.HasTask(TaskSeg) {
				return errors.New("gen.m.use_spade requires both depth (d) and segmentation (s) tasks")
			}
			if o.Gen.Encoder.Architecture == ArchBase {
				return errors.New("gen.m.use_spade is not supported with the base encoder")
			}
			sp := o.Gen.M.Spade
			if sp.UseSpectralNorm {
				return errors.New("gen.m.spade.use_spectral_norm is not supported")
			}
			if sp.NumLayers < 1 {
				return errors.Errorf("gen.m.spade.num_layers must be >= 1, got %d", sp.NumLayers)
			}
			final := sp.LatentDim
			for i := int64(0); i < sp.NumLayers; i++ {
				if final%2 != 0 {
					return errors.Errorf(
						"gen.m.spade.latent_dim %d is not divisible by 2^%d", sp.LatentDim, sp.NumLayers)
				}
				final /= 2
			}
			if final < 1 {
				return errors.Errorf(
					"gen.m.spade.latent_dim %d over %d layers leaves no channels", sp.LatentDim, sp.NumLayers)
			}
			withImg := 1 + o.Gen.S.NumClasses + 3
			withoutImg := 1 + o.Gen.S.NumClasses
			if sp.CondNC != withImg && sp.CondNC != withoutImg {
				return errors.Errorf(
					"gen.m.spade.cond_nc must be %d (depth+seg) or %d (depth+seg+image), got %d",
					withoutImg, withImg, sp.CondNC)
			}
			switch sp.ParamFreeNorm {
			case "instance", "batch":
			default:
				return errors.Errorf("unknown spade param-free norm %q", sp.ParamFreeNorm)
			}
		} else if o.Gen.M.NUpsample < 1 {
			return errors.Errorf("gen.m.n_upsample must be >= 1, got %d", o.Gen.M.NUpsample)
		}
	}

	if o.HasTask(TaskPainter) {
		if o.Gen.P.SpadeNUp < 3 {
			return errors.Errorf("gen.p.spade_n_up must be >= 3, got %d", o.Gen.P.SpadeNUp)
		}
		if !o.Gen.P.NoZ && o.Gen.P.LatentDim < 1 {
			return errors.Errorf("gen.p.latent_dim must be >= 1, got %d", o.Gen.P.LatentDim)
		}
		final := o.Gen.P.LatentDim
		for i := int64(0); i < o.Gen.P.SpadeNUp-2; i++ {
			if final%2 != 0 {
				return errors.Errorf(
					"gen.p.latent_dim %d is not divisible by 2^%d", o.Gen.P.LatentDim, o.Gen.P.SpadeNUp-2)
			}
			final /= 2
		}
	}

	return nil
}

// MaskCondIncludesImage reports whether the conditioning tensor carries a
// resized copy of the input image in addition to depth and segmentation.
func (o *Opts) MaskCondIncludesImage() bool {
	return o.Gen.M.Spade.CondNC == 1+o.Gen.S.NumClasses+3
}
