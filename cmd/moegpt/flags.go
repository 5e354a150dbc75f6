package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/moegpt/internal/model"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool

	// fileConfig is loaded by the root Before hook.
	fileConfig Config
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml",
			Value:       configPath(),
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// modelFlagValues holds architecture overrides given on the command line.
type modelFlagValues struct {
	layers     int
	hidden     int
	heads      int
	ff         int
	experts    int
	vocab      int
	maxLength  int
	startToken int
	endToken   int
	dropout    float64
	wiring     string
	masking    string
	routing    string
	topK       int
}

func modelFlags(v *modelFlagValues) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "layers", Usage: "number of decoder blocks", Destination: &v.layers},
		&cli.IntFlag{Name: "hidden", Usage: "hidden width (also the embedding width)", Destination: &v.hidden},
		&cli.IntFlag{Name: "heads", Usage: "attention heads", Destination: &v.heads},
		&cli.IntFlag{Name: "ff", Usage: "expert feed-forward width", Destination: &v.ff},
		&cli.IntFlag{Name: "experts", Usage: "number of experts", Destination: &v.experts},
		&cli.IntFlag{Name: "vocab", Usage: "vocabulary size", Destination: &v.vocab},
		&cli.IntFlag{Name: "max-length", Usage: "maximum sequence length", Destination: &v.maxLength},
		&cli.IntFlag{Name: "start-token", Usage: "start token id", Destination: &v.startToken},
		&cli.IntFlag{Name: "end-token", Usage: "end token id", Destination: &v.endToken},
		&cli.Float64Flag{Name: "dropout", Usage: "dropout rate", Destination: &v.dropout},
		&cli.StringFlag{Name: "wiring", Usage: "residual wiring (legacy, standard)", Destination: &v.wiring},
		&cli.StringFlag{Name: "masking", Usage: "attention masking (multiplicative, additive)", Destination: &v.masking},
		&cli.StringFlag{Name: "routing", Usage: "expert routing (dense, topk)", Destination: &v.routing},
		&cli.IntFlag{Name: "top-k-experts", Usage: "experts per token with --routing=topk", Destination: &v.topK},
	}
}

// apply overrides cfg with every flag the user set.
func (v *modelFlagValues) apply(c *cli.Command, cfg *model.Config) {
	if c.IsSet("layers") {
		cfg.NumLayers = v.layers
	}
	if c.IsSet("hidden") {
		cfg.HiddenDim = v.hidden
		cfg.EmbedDim = v.hidden
	}
	if c.IsSet("heads") {
		cfg.NumHeads = v.heads
	}
	if c.IsSet("ff") {
		cfg.FeedForwardDim = v.ff
	}
	if c.IsSet("experts") {
		cfg.NumExperts = v.experts
	}
	if c.IsSet("vocab") {
		cfg.VocabSize = v.vocab
	}
	if c.IsSet("max-length") {
		cfg.MaxLength = v.maxLength
	}
	if c.IsSet("start-token") {
		cfg.StartToken = v.startToken
	}
	if c.IsSet("end-token") {
		cfg.EndToken = v.endToken
	}
	if c.IsSet("dropout") {
		cfg.Dropout = v.dropout
	}
	if c.IsSet("wiring") {
		cfg.ResidualWiring = model.ResidualWiring(v.wiring)
	}
	if c.IsSet("masking") {
		cfg.Masking = model.Masking(v.masking)
	}
	if c.IsSet("routing") {
		cfg.Routing = model.Routing(v.routing)
	}
	if c.IsSet("top-k-experts") {
		cfg.TopK = v.topK
	}
}
