package localmodel

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/example/deepfake-detector/internal/classification"
	"github.com/example/deepfake-detector/internal/config"
	"github.com/example/deepfake-detector/internal/logging"
)

// MemberStatus describes whether a configured member is usable.
type MemberStatus struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Loaded bool   `json:"loaded"`
	Error  string `json:"error,omitempty"`
}

// Skip records a member that contributed no result to a run.
type Skip struct {
	Name   string
	Reason string
}

// Run is the outcome of running the requested members on one image.
type Run struct {
	Results []classification.Result
	Skipped []Skip
}

// Adapter owns the member models loaded at startup. It is read-only after
// construction and safe for concurrent use.
type Adapter struct {
	members map[string]Member
	order   []string
	status  []MemberStatus
	closers []io.Closer
	logger  *zap.Logger
}

// NewAdapter wraps already constructed members, in evaluation order.
func NewAdapter(logger *zap.Logger, members ...Member) *Adapter {
	a := &Adapter{members: make(map[string]Member), logger: logger.Named("localmodel")}
	for _, m := range members {
		a.add(m, "custom")
	}
	return a
}

// Load builds the adapter from configuration. Members that fail to load are
// reported through Status and skipped at run time.
func Load(ctx context.Context, cfg config.LocalConfig, logger *zap.Logger) *Adapter {
	a := &Adapter{members: make(map[string]Member), logger: logger.Named("localmodel")}
	for _, spec := range cfg.Members {
		member, err := a.build(ctx, spec, cfg)
		if err != nil {
			wrapped := logging.NewKindError(logging.KindConfiguration, "localmodel.load", "", err)
			a.logger.Warn("member model unavailable", zap.String("member", spec.Name), zap.String("kind", spec.Kind), zap.Error(wrapped))
			a.status = append(a.status, MemberStatus{Name: spec.Name, Kind: spec.Kind, Error: err.Error()})
			continue
		}
		a.add(member, spec.Kind)
		a.logger.Info("member model loaded", zap.String("member", spec.Name), zap.String("kind", spec.Kind))
	}
	return a
}

func (a *Adapter) build(ctx context.Context, spec config.MemberSpec, cfg config.LocalConfig) (Member, error) {
	switch spec.Kind {
	case "onnx":
		return NewONNXMember(spec.Name, spec.Target, cfg.ONNXRuntimeLib)
	case "grpc":
		return DialGRPCMember(ctx, spec.Name, spec.Target, a.logger)
	case "metadata":
		return NewMetadataMember(spec.Name), nil
	default:
		return nil, fmt.Errorf("%w: unknown member kind %q", ErrModelUnavailable, spec.Kind)
	}
}

func (a *Adapter) add(m Member, kind string) {
	name := m.Name()
	a.members[name] = m
	a.order = append(a.order, name)
	a.status = append(a.status, MemberStatus{Name: name, Kind: kind, Loaded: true})
	if closer, ok := m.(io.Closer); ok {
		a.closers = append(a.closers, closer)
	}
}

// Loaded lists the usable member names in evaluation order.
func (a *Adapter) Loaded() []string {
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// Status reports every configured member, loaded or not.
func (a *Adapter) Status() []MemberStatus {
	out := make([]MemberStatus, len(a.status))
	copy(out, a.status)
	return out
}

// Classify runs the named members (all loaded members when names is empty)
// sequentially and normalizes each prediction. Unavailable or failing members
// are skipped; the batch itself never fails.
func (a *Adapter) Classify(ctx context.Context, requestID string, in Input, names []string) Run {
	opLogger := logging.WithOperation(a.logger, "localmodel.classify", requestID)
	if len(names) == 0 {
		names = a.order
	}

	var run Run
	seen := make(map[string]bool, len(names))
	for _, raw := range names {
		name := strings.TrimPrefix(strings.TrimSpace(raw), classification.LocalSourcePrefix)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		member, ok := a.members[name]
		if !ok {
			run.Skipped = append(run.Skipped, Skip{Name: name, Reason: ErrModelUnavailable.Error()})
			opLogger.Debug("skipping unavailable member", zap.String("member", name))
			continue
		}

		pred, err := member.Infer(ctx, in)
		if err != nil {
			run.Skipped = append(run.Skipped, Skip{Name: name, Reason: err.Error()})
			opLogger.Warn("member inference failed", zap.String("member", name), zap.Error(err))
			continue
		}
		result := classification.NormalizePrediction(name, pred.Label, pred.Confidence, pred.Raw)
		opLogger.Debug("member result",
			zap.String("member", name),
			zap.String("label", string(result.Label)),
			zap.Float64("confidence", result.Confidence),
		)
		run.Results = append(run.Results, result)
	}
	return run
}

// Close releases model resources.
func (a *Adapter) Close() error {
	var firstErr error
	for _, c := range a.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.hasONNX() {
		destroyONNXEnvironment()
	}
	return firstErr
}

func (a *Adapter) hasONNX() bool {
	for _, m := range a.members {
		if _, ok := m.(*ONNXMember); ok {
			return true
		}
	}
	return false
}
