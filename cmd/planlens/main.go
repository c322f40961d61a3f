// planlens predicts the iteration latency of distributed training plans and
// searches the plan space for the fastest one. Models are trained per
// (benchmark, hardware) pair from measured or simulated executions and
// persisted as artifacts; search and predict queries reuse them.
//
// Output is a structured JSON report written to stdout. Logs go to stderr
// as JSON records.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/planlens/planlens/pkg/bench"
	"github.com/planlens/planlens/pkg/clustersig"
	"github.com/planlens/planlens/pkg/encode"
	"github.com/planlens/planlens/pkg/graph"
	_ "github.com/planlens/planlens/pkg/metrics" // register collectors
	"github.com/planlens/planlens/pkg/plan"
	"github.com/planlens/planlens/pkg/predict"
	"github.com/planlens/planlens/pkg/search"
	"github.com/planlens/planlens/pkg/store"
	"github.com/planlens/planlens/pkg/train"
)

// Version is set at build time.
var Version = "dev"

// CLI defines the planlens command-line interface.
type CLI struct {
	Config     string `help:"Path to planlens.yaml." env:"PLANLENS_CONFIG" placeholder:"FILE"`
	StoreDir   string `help:"Model artifact directory (overrides config)." placeholder:"DIR"`
	Kubeconfig string `help:"Detect cluster hardware via this kubeconfig." env:"KUBECONFIG" placeholder:"FILE"`
	Hardware   string `help:"Hardware signature override, e.g. 2x2-nvidia-a100." placeholder:"SIG"`
	Verbose    bool   `short:"v" help:"Enable debug logging."`

	Train   TrainCmd   `cmd:"" help:"Train a latency model for a benchmark and persist it."`
	Search  SearchCmd  `cmd:"" help:"Search the plan space for the lowest-latency plan."`
	Predict PredictCmd `cmd:"" help:"Predict latency for plans given in a JSON file."`
	Inspect InspectCmd `cmd:"" help:"List benchmarks, or enumerate a benchmark's candidate plans."`
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("planlens"),
		kong.Description("Latency prediction and plan search for distributed training."),
		kong.Vars{"version": Version},
	)

	level := slog.LevelInfo
	if cli.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	v, err := loadConfig(cli.Config)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if addr := v.GetString("metrics.addr"); addr != "" {
		go serveMetrics(ctx, addr)
	}

	kctx.Bind(v)
	kctx.BindTo(ctx, (*context.Context)(nil))
	if err := kctx.Run(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

// serveMetrics runs the Prometheus /metrics endpoint until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("metrics server shutdown error", "err", err)
		}
	}()
	slog.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server failed", "err", err)
	}
}

// signature resolves the hardware signature, in precedence order: explicit
// --hardware flag, live cluster detection via --kubeconfig, then the
// configured static mesh.
func signature(ctx context.Context, cli *CLI, v *viper.Viper) (clustersig.Signature, error) {
	if cli.Hardware != "" {
		return clustersig.Parse(cli.Hardware)
	}
	if cli.Kubeconfig != "" {
		cfg, err := clientcmd.BuildConfigFromFlags("", cli.Kubeconfig)
		if err != nil {
			return clustersig.Signature{}, fmt.Errorf("loading kubeconfig: %w", err)
		}
		clientset, err := kubernetes.NewForConfig(cfg)
		if err != nil {
			return clustersig.Signature{}, fmt.Errorf("building clientset: %w", err)
		}
		return clustersig.NewDetector(clientset).Detect(ctx)
	}
	return clustersig.Static(
		v.GetInt("mesh.hosts"),
		v.GetInt("mesh.devices_per_host"),
		v.GetString("mesh.accelerator"),
	), nil
}

func openStore(cli *CLI, v *viper.Viper) (*store.Store, error) {
	dir := v.GetString("store.dir")
	if cli.StoreDir != "" {
		dir = cli.StoreDir
	}
	return store.Open(dir)
}

func emitJSON(report any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// benchSetup resolves the benchmark spec and artifact key shared by every
// subcommand.
func benchSetup(ctx context.Context, cli *CLI, v *viper.Viper, family, size string) (plan.ModelSpec, clustersig.Signature, store.Key, error) {
	spec, err := bench.Spec(bench.Family(family), size)
	if err != nil {
		return plan.ModelSpec{}, clustersig.Signature{}, store.Key{}, err
	}
	sig, err := signature(ctx, cli, v)
	if err != nil {
		return plan.ModelSpec{}, clustersig.Signature{}, store.Key{}, err
	}
	key := store.Key{Benchmark: spec.Name, Hardware: sig.String(), Schema: encode.SchemaVersion}
	return spec, sig, key, nil
}

// TrainCmd trains a model from simulated or replayed measurements.
type TrainCmd struct {
	Benchmark string `arg:"" help:"Benchmark family (gpt, moe)."`
	Size      string `arg:"" help:"Benchmark size, e.g. 1.3B."`
	Replay    string `help:"Train from a recorded JSON measurement set instead of simulation." placeholder:"FILE"`
	Overwrite bool   `help:"Replace an existing artifact for this key."`
}

func (t *TrainCmd) Run(cli *CLI, v *viper.Viper, ctx context.Context) error {
	spec, sig, key, err := benchSetup(ctx, cli, v, t.Benchmark, t.Size)
	if err != nil {
		return err
	}
	st, err := openStore(cli, v)
	if err != nil {
		return err
	}

	var meas train.Measurer = bench.NewSimMeasurer(simConfig(v))
	if t.Replay != "" {
		rm, err := train.LoadReplayMeasurer(t.Replay)
		if err != nil {
			return err
		}
		slog.Info("training from recorded measurements", "file", t.Replay, "plans", rm.Len())
		meas = rm
	}

	space := search.Space{Mesh: sig.Mesh(), MaxPipeline: v.GetInt("search.max_pipeline")}
	pipeline := train.New(st, meas, trainConfig(v, t.Overwrite))
	model, rep, err := pipeline.TrainOrLoad(ctx, key, spec, space.Candidates(spec))
	if err != nil {
		return err
	}

	return emitJSON(struct {
		Key    string        `json:"key"`
		Fresh  bool          `json:"fresh"`
		Report *train.Report `json:"report"`
	}{key.String(), model.Fresh(), rep})
}

// SearchCmd ranks the plan space by predicted latency.
type SearchCmd struct {
	Benchmark string `arg:"" help:"Benchmark family (gpt, moe)."`
	Size      string `arg:"" help:"Benchmark size, e.g. 1.3B."`
	Top       int    `default:"5" help:"How many ranked plans to include in the report."`
}

func (s *SearchCmd) Run(cli *CLI, v *viper.Viper, ctx context.Context) error {
	spec, sig, key, err := benchSetup(ctx, cli, v, s.Benchmark, s.Size)
	if err != nil {
		return err
	}
	st, err := openStore(cli, v)
	if err != nil {
		return err
	}

	space := search.Space{Mesh: sig.Mesh(), MaxPipeline: v.GetInt("search.max_pipeline")}
	pipeline := train.New(st, bench.NewSimMeasurer(simConfig(v)), trainConfig(v, false))
	model, _, err := pipeline.TrainOrLoad(ctx, key, spec, space.Candidates(spec))
	if err != nil {
		return err
	}

	enc := encode.New(encode.Config{MaxNodes: v.GetInt("model.max_nodes")})
	opt := search.New(enc, model, searchConfig(v))
	res, err := opt.Search(ctx, spec, space)
	if err != nil {
		return err
	}
	if s.Top > 0 && len(res.Ranked) > s.Top {
		res.Ranked = res.Ranked[:s.Top]
	}
	return emitJSON(struct {
		Key string `json:"key"`
		*search.Result
	}{key.String(), res})
}

// InspectCmd shows the benchmark catalog, or the feasible candidate space
// for one benchmark on the resolved hardware.
type InspectCmd struct {
	Benchmark string `arg:"" optional:"" help:"Benchmark family (gpt, moe)."`
	Size      string `arg:"" optional:"" help:"Benchmark size, e.g. 1.3B."`
}

func (i *InspectCmd) Run(cli *CLI, v *viper.Viper, ctx context.Context) error {
	if i.Benchmark == "" {
		type family struct {
			Family string   `json:"family"`
			Sizes  []string `json:"sizes"`
		}
		out := make([]family, 0, len(bench.Families()))
		for _, f := range bench.Families() {
			out = append(out, family{Family: f, Sizes: bench.Sizes(bench.Family(f))})
		}
		return emitJSON(struct {
			Benchmarks []family `json:"benchmarks"`
		}{out})
	}
	if i.Size == "" {
		return fmt.Errorf("a size is required with a family, one of %v", bench.Sizes(bench.Family(i.Benchmark)))
	}

	spec, sig, key, err := benchSetup(ctx, cli, v, i.Benchmark, i.Size)
	if err != nil {
		return err
	}
	space := search.Space{Mesh: sig.Mesh(), MaxPipeline: v.GetInt("search.max_pipeline")}

	type candidate struct {
		PlanKey   string  `json:"plan_key"`
		Pipeline  int     `json:"pipeline"`
		CommBytes float64 `json:"comm_bytes"`
		FLOPs     float64 `json:"flops"`
	}
	cands := space.Candidates(spec)
	out := make([]candidate, 0, len(cands))
	for _, p := range cands {
		g, err := graph.Build(p, spec)
		if err != nil {
			return err
		}
		out = append(out, candidate{
			PlanKey:   p.Key(),
			Pipeline:  p.PipelineDegree(),
			CommBytes: g.TotalCommBytes(),
			FLOPs:     g.TotalFLOPs(),
		})
	}
	return emitJSON(struct {
		Key        string      `json:"key"`
		Operators  int         `json:"operators"`
		Candidates []candidate `json:"candidates"`
	}{key.String(), len(spec.Ops), out})
}

// PredictCmd scores explicit plans from a JSON file against a stored model.
type PredictCmd struct {
	Benchmark string `arg:"" help:"Benchmark family (gpt, moe)."`
	Size      string `arg:"" help:"Benchmark size, e.g. 1.3B."`
	Plans     string `arg:"" help:"JSON file holding an array of plans." type:"existingfile"`
}

func (p *PredictCmd) Run(cli *CLI, v *viper.Viper, ctx context.Context) error {
	spec, _, key, err := benchSetup(ctx, cli, v, p.Benchmark, p.Size)
	if err != nil {
		return err
	}
	st, err := openStore(cli, v)
	if err != nil {
		return err
	}
	snap, err := st.Load(key)
	if err != nil {
		return err
	}
	model, err := predict.FromSnapshot(snap)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(p.Plans)
	if err != nil {
		return err
	}
	var plans []plan.ExecutionPlan
	if err := json.Unmarshal(raw, &plans); err != nil {
		return fmt.Errorf("parsing plans file %s: %w", p.Plans, err)
	}

	enc := encode.New(encode.Config{MaxNodes: v.GetInt("model.max_nodes")})
	type prediction struct {
		PlanKey          string  `json:"plan_key"`
		PredictedSeconds float64 `json:"predicted_seconds,omitempty"`
		Error            string  `json:"error,omitempty"`
	}
	out := make([]prediction, 0, len(plans))
	for _, pl := range plans {
		pred := prediction{PlanKey: pl.Key()}
		g, err := graph.Build(pl, spec)
		if err != nil {
			pred.Error = err.Error()
			out = append(out, pred)
			continue
		}
		encoded, err := enc.Encode(g)
		if err != nil {
			pred.Error = err.Error()
			out = append(out, pred)
			continue
		}
		sec, err := model.Predict(encoded)
		if err != nil {
			pred.Error = err.Error()
		} else {
			pred.PredictedSeconds = sec
		}
		out = append(out, pred)
	}
	return emitJSON(struct {
		Key         string       `json:"key"`
		Predictions []prediction `json:"predictions"`
	}{key.String(), out})
}
