package litellm

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"text/template"

	"github.com/Strob0t/autopack/internal/domain/retry"
	"github.com/Strob0t/autopack/internal/port/llmrole"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var prompts = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// Ensure role types implement their ports at compile time.
var (
	_ llmrole.Builder = (*Builder)(nil)
	_ llmrole.Auditor = (*Auditor)(nil)
	_ llmrole.Doctor  = (*Doctor)(nil)
)

// ErrMalformedResponse is returned when a role's reply cannot be parsed.
var ErrMalformedResponse = errors.New("malformed role response")

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := prompts.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

func metadata(runID, phaseID, role string) map[string]any {
	return map[string]any{"run_id": runID, "phase_id": phaseID, "role": role}
}

type fileEntry struct {
	Path    string
	Content string
}

func sortedFiles(files map[string]string) []fileEntry {
	out := make([]fileEntry, 0, len(files))
	for p, c := range files {
		out = append(out, fileEntry{Path: p, Content: c})
	}
	slices.SortFunc(out, func(a, b fileEntry) int { return strings.Compare(a.Path, b.Path) })
	return out
}

// Builder asks a model for a patch.
type Builder struct {
	client *Client
}

// NewBuilder creates a Builder backed by c.
func NewBuilder(c *Client) *Builder { return &Builder{client: c} }

// ExecutePhase returns the model's patch with any code fence removed.
func (b *Builder) ExecutePhase(ctx context.Context, req llmrole.BuildRequest) (*llmrole.BuildResult, error) {
	system, err := render("builder.tmpl", req)
	if err != nil {
		return nil, err
	}
	files, err := render("builder_files.tmpl", sortedFiles(req.Files))
	if err != nil {
		return nil, err
	}

	resp, err := b.client.Complete(ctx, CompletionRequest{
		Model:    req.Model,
		Messages: []Message{{Role: "system", Content: system}, {Role: "user", Content: files}},
		Metadata: metadata(req.RunID, req.PhaseID, "builder"),
	})
	if err != nil {
		return nil, fmt.Errorf("builder: %w", err)
	}
	slog.Debug("builder responded", "run_id", req.RunID, "phase_id", req.PhaseID, "model", resp.Model, "tokens", resp.Usage.TotalTokens)
	return &llmrole.BuildResult{
		Patch:      stripFence(resp.Content()),
		Model:      firstNonEmpty(resp.Model, req.Model),
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

// Auditor asks a model to review an applied patch.
type Auditor struct {
	client *Client
	model  string
}

// NewAuditor creates an Auditor. model is used when the request names none.
func NewAuditor(c *Client, model string) *Auditor { return &Auditor{client: c, model: model} }

// ReviewPatch returns the model's verdict.
func (a *Auditor) ReviewPatch(ctx context.Context, req llmrole.ReviewRequest) (*llmrole.ReviewResult, error) {
	system, err := render("auditor.tmpl", req)
	if err != nil {
		return nil, err
	}
	model := firstNonEmpty(req.Model, a.model)
	resp, err := a.client.Complete(ctx, CompletionRequest{
		Model:          model,
		Messages:       []Message{{Role: "system", Content: system}, {Role: "user", Content: req.Patch}},
		ResponseFormat: &responseFormat{Type: "json_object"},
		Metadata:       metadata(req.RunID, req.PhaseID, "auditor"),
	})
	if err != nil {
		return nil, fmt.Errorf("auditor: %w", err)
	}

	var out llmrole.ReviewResult
	if err := decodeObject(resp.Content(), &out); err != nil {
		return nil, fmt.Errorf("auditor: %w", err)
	}
	out.TokensUsed = resp.Usage.TotalTokens
	return &out, nil
}

// Doctor asks a model what to do with a struggling phase.
type Doctor struct {
	client *Client
	model  string
}

// NewDoctor creates a Doctor. model is used when the request names none.
func NewDoctor(c *Client, model string) *Doctor { return &Doctor{client: c, model: model} }

// Diagnose returns the model's recommended action.
func (d *Doctor) Diagnose(ctx context.Context, req llmrole.DiagnoseRequest) (*llmrole.DiagnoseResult, error) {
	system, err := render("doctor.tmpl", req)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Complete(ctx, CompletionRequest{
		Model:          firstNonEmpty(req.Model, d.model),
		Messages:       []Message{{Role: "system", Content: system}, {Role: "user", Content: "Decide."}},
		ResponseFormat: &responseFormat{Type: "json_object"},
		Metadata:       metadata(req.RunID, req.PhaseID, "doctor"),
	})
	if err != nil {
		return nil, fmt.Errorf("doctor: %w", err)
	}

	var out llmrole.DiagnoseResult
	if err := decodeObject(resp.Content(), &out); err != nil {
		return nil, fmt.Errorf("doctor: %w", err)
	}
	switch out.Action {
	case retry.DoctorRetry, retry.DoctorEscalate, retry.DoctorFail:
	default:
		return nil, fmt.Errorf("doctor: unknown action %q: %w", out.Action, ErrMalformedResponse)
	}
	out.TokensUsed = resp.Usage.TotalTokens
	return &out, nil
}

// decodeObject parses the outermost JSON object in s. Models sometimes wrap
// JSON in prose or a code fence.
func decodeObject(s string, v any) error {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return fmt.Errorf("no JSON object in reply: %w", ErrMalformedResponse)
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return nil
}

// stripFence removes a surrounding markdown code fence.
func stripFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	nl := strings.IndexByte(t, '\n')
	if nl < 0 {
		return ""
	}
	t = t[nl+1:]
	t = strings.TrimSuffix(strings.TrimRight(t, " \t\n"), "```")
	if !strings.HasSuffix(t, "\n") {
		t += "\n"
	}
	return t
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
