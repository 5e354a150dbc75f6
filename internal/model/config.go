package model

// ResidualWiring selects how a decoder block connects its sub-layers.
type ResidualWiring string

const (
	// WiringLegacy reproduces the published model: each sub-layer's residual
	// base is the dropped-out normalised stream, the second attention adds
	// to its own output and the feed-forward stage adds the second attention
	// output.
	WiringLegacy ResidualWiring = "legacy"
	// WiringStandard is the usual pre-norm transformer block.
	WiringStandard ResidualWiring = "standard"
)

// Masking selects how the causal mask is applied to attention scores.
type Masking string

const (
	// MaskMultiplicative multiplies raw scores by the 0/1 mask before the
	// softmax, so masked positions get score 0 rather than -inf.
	MaskMultiplicative Masking = "multiplicative"
	// MaskAdditive pushes masked scores to a large negative value.
	MaskAdditive Masking = "additive"
)

// Routing selects how tokens reach the experts of the feed-forward stage.
type Routing string

const (
	// RoutingDense runs every expert on every token and mixes the outputs
	// with the gate distribution.
	RoutingDense Routing = "dense"
	// RoutingTopK sends each token to its TopK most probable experts only.
	RoutingTopK Routing = "topk"
)

const (
	defaultNumExperts = 10
	defaultTopK       = 2
	defaultEpsilon    = 1e-6
)

// Config describes the model architecture.
type Config struct {
	NumLayers      int     `yaml:"num_layers" json:"num_layers"`
	HiddenDim      int     `yaml:"hidden_dim" json:"hidden_dim"`
	NumHeads       int     `yaml:"num_heads" json:"num_heads"`
	FeedForwardDim int     `yaml:"feedforward_dim" json:"feedforward_dim"`
	Dropout        float64 `yaml:"dropout" json:"dropout"`
	VocabSize      int     `yaml:"vocab_size" json:"vocab_size"`
	EmbedDim       int     `yaml:"embed_dim" json:"embed_dim"`
	MaxLength      int     `yaml:"max_length" json:"max_length"`
	StartToken     int     `yaml:"start_token" json:"start_token"`
	EndToken       int     `yaml:"end_token" json:"end_token"`
	NumExperts     int     `yaml:"num_experts" json:"num_experts"`

	ResidualWiring ResidualWiring `yaml:"residual_wiring,omitempty" json:"residual_wiring,omitempty"`
	Masking        Masking        `yaml:"masking,omitempty" json:"masking,omitempty"`
	Routing        Routing        `yaml:"routing,omitempty" json:"routing,omitempty"`
	TopK           int            `yaml:"top_k,omitempty" json:"top_k,omitempty"`
	// NormEpsilon overrides the layer-norm epsilon. Zero selects the wiring
	// default.
	NormEpsilon float64 `yaml:"norm_epsilon,omitempty" json:"norm_epsilon,omitempty"`
}

// DefaultConfig returns a small single-layer configuration.
func DefaultConfig() Config {
	return Config{
		NumLayers:      1,
		HiddenDim:      256,
		NumHeads:       2,
		FeedForwardDim: 256,
		Dropout:        0.1,
		VocabSize:      1000,
		EmbedDim:       256,
		MaxLength:      51,
		StartToken:     0,
		EndToken:       50,
		NumExperts:     defaultNumExperts,
		ResidualWiring: WiringLegacy,
		Masking:        MaskMultiplicative,
		Routing:        RoutingDense,
		TopK:           defaultTopK,
	}
}

// WithDefaults fills unset policy fields.
func (c Config) WithDefaults() Config {
	if c.NumExperts == 0 {
		c.NumExperts = defaultNumExperts
	}
	if c.ResidualWiring == "" {
		c.ResidualWiring = WiringLegacy
	}
	if c.Masking == "" {
		c.Masking = MaskMultiplicative
	}
	if c.Routing == "" {
		c.Routing = RoutingDense
	}
	if c.TopK == 0 {
		c.TopK = defaultTopK
	}
	return c
}

// HeadDim returns the per-head width.
func (c Config) HeadDim() int { return c.HiddenDim / c.NumHeads }

// Epsilon returns the layer-norm epsilon. The legacy wiring uses the dropout
// rate, matching the published weights.
func (c Config) Epsilon() float32 {
	if c.NormEpsilon > 0 {
		return float32(c.NormEpsilon)
	}
	if c.ResidualWiring == WiringLegacy && c.Dropout > 0 {
		return float32(c.Dropout)
	}
	return defaultEpsilon
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	switch {
	case c.NumLayers <= 0:
		return configErrorf("num_layers must be positive, got %d", c.NumLayers)
	case c.HiddenDim <= 0:
		return configErrorf("hidden_dim must be positive, got %d", c.HiddenDim)
	case c.NumHeads <= 0:
		return configErrorf("num_heads must be positive, got %d", c.NumHeads)
	case c.HiddenDim%c.NumHeads != 0:
		return configErrorf("hidden_dim %d is not divisible by num_heads %d", c.HiddenDim, c.NumHeads)
	case c.FeedForwardDim <= 0:
		return configErrorf("feedforward_dim must be positive, got %d", c.FeedForwardDim)
	case c.Dropout < 0 || c.Dropout >= 1:
		return configErrorf("dropout must be in [0, 1), got %v", c.Dropout)
	case c.VocabSize <= 0:
		return configErrorf("vocab_size must be positive, got %d", c.VocabSize)
	case c.EmbedDim != c.HiddenDim:
		return configErrorf("embed_dim %d must equal hidden_dim %d", c.EmbedDim, c.HiddenDim)
	case c.MaxLength <= 0:
		return configErrorf("max_length must be positive, got %d", c.MaxLength)
	case c.StartToken < 0 || c.StartToken >= c.VocabSize:
		return configErrorf("start_token %d outside vocabulary of %d", c.StartToken, c.VocabSize)
	case c.EndToken < 0 || c.EndToken >= c.VocabSize:
		return configErrorf("end_token %d outside vocabulary of %d", c.EndToken, c.VocabSize)
	case c.NumExperts <= 0:
		return configErrorf("num_experts must be positive, got %d", c.NumExperts)
	case c.NormEpsilon < 0:
		return configErrorf("norm_epsilon must not be negative, got %v", c.NormEpsilon)
	}
	switch c.ResidualWiring {
	case WiringLegacy, WiringStandard:
	default:
		return configErrorf("unknown residual_wiring %q", c.ResidualWiring)
	}
	switch c.Masking {
	case MaskMultiplicative, MaskAdditive:
	default:
		return configErrorf("unknown masking %q", c.Masking)
	}
	switch c.Routing {
	case RoutingDense:
	case RoutingTopK:
		if c.TopK <= 0 || c.TopK > c.NumExperts {
			return configErrorf("top_k %d must be in [1, %d]", c.TopK, c.NumExperts)
		}
	default:
		return configErrorf("unknown routing %q", c.Routing)
	}
	return nil
}
