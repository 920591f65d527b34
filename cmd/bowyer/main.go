package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-bowyer/internal/backbone"
	"github.com/23skdu/longbow-bowyer/internal/client"
	"github.com/23skdu/longbow-bowyer/internal/data"
	"github.com/23skdu/longbow-bowyer/internal/device"
	"github.com/23skdu/longbow-bowyer/internal/distrib"
	"github.com/23skdu/longbow-bowyer/internal/genclm"
	"github.com/23skdu/longbow-bowyer/internal/trainer"
)

var (
	mode       = flag.String("mode", "train", "Run mode (train, embed, merge, generate)")
	configPath = flag.String("config", "bowyer.yaml", "Path to training config YAML")
	vocabPath  = flag.String("vocab", "vocab.txt", "Path to vocab file")
	dataPath   = flag.String("data", "", "Path to Arrow IPC examples file")
	resume     = flag.Bool("resume", false, "Resume from the configured checkpoint directory")
	outPath    = flag.String("out", "", "Output path (merged weights, embeddings)")

	serverAddr  = flag.String("server", "", "Longbow server address (e.g. localhost:3000)")
	datasetName = flag.String("dataset", "bowyer_embeddings", "Target dataset name on server")

	adapterName = flag.String("adapter", "", "Adapter to merge (defaults to the configured gen adapter)")
	promptText  = flag.String("prompt", "", "Prompt for generate mode")
	maxNew      = flag.Int("max-new", 32, "Maximum tokens to generate")

	hiddenSize = flag.Int("hidden", 64, "Hidden size")
	numLayers  = flag.Int("layers", 2, "Transformer layers")
	numHeads   = flag.Int("heads", 4, "Attention heads")
	interSize  = flag.Int("ffn", 256, "MLP intermediate size")
	maxSeq     = flag.Int("max-seq", 128, "Maximum sequence length")

	metricsAddr = flag.String("metrics", "", "Address to serve Prometheus metrics on (e.g. :9100)")
	enableOTel  = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info().Str("addr", *metricsAddr).Msg("Serving metrics")
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	var err error
	switch *mode {
	case "train":
		err = runTrain()
	case "embed":
		err = runEmbed()
	case "merge":
		err = runMerge()
	case "generate":
		err = runGenerate()
	default:
		log.Fatal().Str("mode", *mode).Msg("Unknown mode")
	}
	if err != nil {
		log.Fatal().Err(err).Str("mode", *mode).Msg("Run failed")
	}
}

// noopUpdater satisfies the trainer's optimizer boundary. Actual parameter
// updates come from the external optimizer harness between forward calls.
type noopUpdater struct{}

func (noopUpdater) Update(step int, lr float64, loss float32) error {
	log.Debug().Int("step", step).Float64("lr", lr).Float32("loss", loss).Msg("update")
	return nil
}

func loadArgs() (*trainer.TrainingArgs, error) {
	args, err := trainer.LoadArgs(*configPath)
	if err != nil {
		return nil, err
	}
	corrections, err := args.ValidateAndCorrect()
	if err != nil {
		return nil, err
	}
	for _, c := range corrections {
		log.Warn().Str("correction", c).Msg("Config corrected")
	}
	return args, nil
}

// newBackbone materializes the transformer with parameters in the configured
// precision's storage dtype, inside the sharding init scope.
func newBackbone(args *trainer.TrainingArgs, vocabSize int) (*backbone.Model, error) {
	prec, err := device.ParsePrecision(args.Precision)
	if err != nil {
		return nil, err
	}

	cfg := backbone.Config{
		VocabSize:        vocabSize,
		HiddenSize:       *hiddenSize,
		NumLayers:        *numLayers,
		NumHeads:         *numHeads,
		IntermediateSize: *interSize,
		MaxSeqLen:        *maxSeq,
		LayerNormEps:     1e-5,
	}

	sharding, err := distrib.ParseSharding(args.Sharding)
	if err != nil {
		return nil, err
	}
	scope := distrib.ScopeFor(sharding, 1)
	release, err := scope.Enter(context.Background())
	if err != nil {
		return nil, err
	}
	bb := backbone.New(cfg, device.NewCPUBackendWithDType(prec.Param))
	release()
	return bb, nil
}

// setup builds the tokenizer, the backbone, and the trainer around them.
func setup(args *trainer.TrainingArgs) (*data.WordPieceTokenizer, *trainer.Trainer, error) {
	tok, err := data.NewWordPieceTokenizer(*vocabPath)
	if err != nil {
		return nil, nil, err
	}

	bb, err := newBackbone(args, tok.VocabSize())
	if err != nil {
		return nil, nil, err
	}

	tr, err := trainer.New(args, bb, noopUpdater{})
	if err != nil {
		return nil, nil, err
	}
	return tok, tr, nil
}

func loadExamples() ([]*data.Example, error) {
	if *dataPath == "" {
		return nil, fmt.Errorf("no -data file given")
	}
	f, err := os.Open(*dataPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return data.ReadExamples(f)
}

func makeBatches(asm *data.Assembler, examples []*data.Example, size int, isGen, isEmb bool) ([]*genclm.Batch, error) {
	var batches []*genclm.Batch
	for start := 0; start < len(examples); start += size {
		end := start + size
		if end > len(examples) {
			end = len(examples)
		}
		b, err := asm.Build(examples[start:end], isGen, isEmb)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, nil
}

func runTrain() error {
	args, err := loadArgs()
	if err != nil {
		return err
	}
	if args.CheckpointDir != "" {
		if err := os.MkdirAll(args.CheckpointDir, 0o755); err != nil {
			return err
		}
		if err := args.Save(args.CheckpointDir + "/config.yaml"); err != nil {
			return err
		}
	}

	tok, tr, err := setup(args)
	if err != nil {
		return err
	}

	examples, err := loadExamples()
	if err != nil {
		return err
	}
	asm := data.NewAssembler(tok, *maxSeq)
	isGen := args.Mode == trainer.ModeSFT || args.Mode == trainer.ModeJoint
	isEmb := args.Mode == trainer.ModeEmb || args.Mode == trainer.ModeJoint
	batches, err := makeBatches(asm, examples, args.BatchSize, isGen, isEmb)
	if err != nil {
		return err
	}

	if *resume {
		if err := tr.Resume(args.CheckpointDir); err != nil {
			return err
		}
	}

	log.Info().
		Int("examples", len(examples)).
		Int("batches", len(batches)).
		Str("mode", args.Mode).
		Str("precision", args.Precision).
		Msg("Starting training")

	if err := tr.Fit(context.Background(), batches); err != nil {
		return err
	}
	log.Info().Int("steps", tr.StepCount()).Msg("Training complete")
	return nil
}

func runEmbed() error {
	args, err := loadArgs()
	if err != nil {
		return err
	}
	tok, tr, err := setup(args)
	if err != nil {
		return err
	}
	if *resume {
		if err := tr.Resume(args.CheckpointDir); err != nil {
			return err
		}
	}

	examples, err := loadExamples()
	if err != nil {
		return err
	}
	asm := data.NewAssembler(tok, *maxSeq)
	batches, err := makeBatches(asm, examples, args.BatchSize, false, true)
	if err != nil {
		return err
	}

	strategy, err := distrib.NewLocalStrategy(args.Sharding, []distrib.Encoder{tr.Model()})
	if err != nil {
		return err
	}

	ctx := context.Background()
	start := time.Now()
	perBatch, err := strategy.EncodeAll(ctx, batches)
	if err != nil {
		return err
	}

	dim := *hiddenSize
	var texts []string
	var vectors [][]float32
	for _, ex := range examples {
		texts = append(texts, strings.TrimSpace(ex.Prompt+" "+ex.Target))
	}
	for _, flat := range perBatch {
		for off := 0; off+dim <= len(flat); off += dim {
			vectors = append(vectors, flat[off:off+dim])
		}
	}
	if len(vectors) != len(texts) {
		return fmt.Errorf("encoded %d vectors for %d examples", len(vectors), len(texts))
	}

	log.Info().
		Int("count", len(vectors)).
		Int("dim", dim).
		Dur("elapsed", time.Since(start)).
		Msg("Encoded examples")

	if *serverAddr != "" {
		fc, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			return err
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()

		flat := make([]float32, 0, len(vectors)*dim)
		for _, v := range vectors {
			flat = append(flat, v...)
		}
		pub := client.NewPublisher(fc, *datasetName, dim, 4)

		ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		if err := pub.Publish(ctx, texts, flat); err != nil {
			return err
		}
		log.Info().Str("dataset", *datasetName).Msg("Published embeddings")
		return nil
	}

	out := os.Stdout
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	return data.WriteEmbeddings(out, texts, vectors, dim)
}

func runMerge() error {
	args, err := loadArgs()
	if err != nil {
		return err
	}
	_, tr, err := setup(args)
	if err != nil {
		return err
	}
	if err := tr.Resume(args.CheckpointDir); err != nil {
		return err
	}

	name := *adapterName
	if name == "" {
		name = args.GenAdapter
	}
	if *outPath == "" {
		return fmt.Errorf("merge mode needs -out")
	}
	if err := tr.MergeAndExport(name, *outPath); err != nil {
		return err
	}
	log.Info().Str("adapter", name).Str("out", *outPath).Msg("Merged adapter into base weights")
	return nil
}

func runGenerate() error {
	args, err := loadArgs()
	if err != nil {
		return err
	}
	tok, tr, err := setup(args)
	if err != nil {
		return err
	}
	if *resume {
		if err := tr.Resume(args.CheckpointDir); err != nil {
			return err
		}
	}
	if *promptText == "" {
		return fmt.Errorf("generate mode needs -prompt")
	}

	ids := append([]int{data.BosID}, tok.Encode(*promptText)...)
	start := time.Now()
	out, err := tr.Backbone().Generate(ids, *maxNew)
	if err != nil {
		return err
	}
	log.Info().
		Int("prompt_tokens", len(ids)).
		Int("generated", len(out)-len(ids)).
		Dur("elapsed", time.Since(start)).
		Msg("Generated")

	for i, id := range out {
		if i > 0 {
			fmt.Print(" ")
		}
		fmt.Print(id)
	}
	fmt.Println()
	return nil
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("bowyer"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
