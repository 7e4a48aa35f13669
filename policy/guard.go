// Package policy evaluates operator-supplied Rego rules that can veto a
// corrective copy before it is written.
package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

// Query is the package every guard module must declare rules under
const Query = "data.prefixkms"

// Input is the document rules see as `input`
type Input struct {
	Object    ObjectInput `json:"object"`
	Policy    PolicyInput `json:"policy"`
	Event     EventInput  `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
}

// ObjectInput describes the object about to be rewritten
type ObjectInput struct {
	Bucket       string            `json:"bucket"`
	Key          string            `json:"key"`
	VersionID    string            `json:"version_id,omitempty"`
	Size         int64             `json:"size"`
	Mode         string            `json:"mode"`
	KMSKeyID     string            `json:"kms_key_id,omitempty"`
	ContentType  string            `json:"content_type,omitempty"`
	StorageClass string            `json:"storage_class,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// PolicyInput is the prefix policy that would be applied
type PolicyInput struct {
	Prefix    string `json:"prefix"`
	KMSKeyARN string `json:"kms_key_arn"`
	DualLayer bool   `json:"dual_layer_encryption"`
}

// EventInput carries delivery details of the triggering notification
type EventInput struct {
	Name         string    `json:"name,omitempty"`
	Time         time.Time `json:"time"`
	ReceiveCount int       `json:"receive_count,omitempty"`
}

// Guard holds compiled guard modules. Rules deny by adding messages to the
// `deny` set; with no modules loaded every remediation is allowed.
type Guard struct {
	queries map[string]rego.PreparedEvalQuery
	tracer  trace.Tracer
	logger  zerolog.Logger
	now     func() time.Time
}

// NewGuard creates an empty guard
func NewGuard(logger zerolog.Logger) *Guard {
	return &Guard{
		queries: make(map[string]rego.PreparedEvalQuery),
		tracer:  otel.Tracer("prefixkms/policy"),
		logger:  logger.With().Str("component", "guard").Logger(),
		now:     time.Now,
	}
}

// LoadPolicy compiles a Rego module under name
func (g *Guard) LoadPolicy(ctx context.Context, name, module string) error {
	ctx, span := g.tracer.Start(ctx, "guard.load_policy",
		trace.WithAttributes(attribute.String("policy.name", name)))
	defer span.End()

	prepared, err := rego.New(
		rego.Query(Query),
		rego.Module(name, module),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("compile policy %s: %w", name, err)
	}

	g.queries[name] = prepared
	g.logger.Info().Str("policy_name", name).Msg("guard policy loaded")
	return nil
}

// Len reports how many modules are loaded
func (g *Guard) Len() int {
	return len(g.queries)
}

// Evaluate runs every module against the object. It returns false and the
// sorted, joined deny messages when any rule denies.
func (g *Guard) Evaluate(ctx context.Context, event types.WriteEvent, state types.EncryptionState, policy types.PrefixPolicy) (bool, string, error) {
	if len(g.queries) == 0 {
		return true, "", nil
	}

	ctx, span := g.tracer.Start(ctx, "guard.evaluate",
		trace.WithAttributes(attribute.String("s3.key", event.Key)))
	defer span.End()

	input := BuildInput(event, state, policy, g.now())

	var reasons []string
	for name, query := range g.queries {
		denied, err := evaluate(ctx, query, input)
		if err != nil {
			return false, "", fmt.Errorf("evaluate policy %s: %w", name, err)
		}
		reasons = append(reasons, denied...)
	}

	if len(reasons) == 0 {
		return true, "", nil
	}

	sort.Strings(reasons)
	reason := strings.Join(reasons, "; ")
	g.logger.Debug().
		Str("object", event.ObjectPath()).
		Str("reason", reason).
		Msg("remediation denied")
	return false, reason, nil
}

// BuildInput maps an event onto the guard input document
func BuildInput(event types.WriteEvent, state types.EncryptionState, policy types.PrefixPolicy, now time.Time) Input {
	return Input{
		Object: ObjectInput{
			Bucket:       event.Bucket,
			Key:          event.Key,
			VersionID:    event.VersionID,
			Size:         state.Size,
			Mode:         string(state.Mode),
			KMSKeyID:     state.KMSKeyID,
			ContentType:  state.ContentType,
			StorageClass: state.StorageClass,
			Metadata:     state.Metadata,
		},
		Policy: PolicyInput{
			Prefix:    policy.Prefix,
			KMSKeyARN: policy.KMSKeyARN,
			DualLayer: policy.DualLayer,
		},
		Event: EventInput{
			Name:         event.EventName,
			Time:         event.EventTime,
			ReceiveCount: event.ReceiveCount,
		},
		Timestamp: now.UTC(),
	}
}

func evaluate(ctx context.Context, query rego.PreparedEvalQuery, input Input) ([]string, error) {
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var reasons []string
	for _, res := range results {
		for _, expr := range res.Expressions {
			doc, ok := expr.Value.(map[string]any)
			if !ok {
				continue
			}
			reasons = append(reasons, denyMessages(doc["deny"])...)
		}
	}
	return reasons, nil
}

// denyMessages accepts a set of strings or a plain boolean
func denyMessages(value any) []string {
	switch v := value.(type) {
	case bool:
		if v {
			return []string{"denied by policy"}
		}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else {
				out = append(out, fmt.Sprint(item))
			}
		}
		return out
	}
	return nil
}
