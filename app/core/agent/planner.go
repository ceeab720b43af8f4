package agent

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"

	"cumulus/app/pkg/types"
)

// Planner turns a user prompt into a step DAG.
type Planner interface {
	Plan(ctx context.Context, prompt string) (types.Plan, types.TokenUpdate, error)
}

const planSystemPrompt = `You decompose a cloud-storage assistant request into a short step plan.
Respond with JSON only: {"steps":[{"id":"s1","title":"...","tool":"...","args":{...},"depends_on":["s0"]}]}.
Available tools: read_file, search, write_file, move_file, delete_file, share_link.
Use depends_on to order steps; steps without unmet dependencies may run in parallel.`

// OpenAIPlanner asks a chat model for the plan.
type OpenAIPlanner struct {
	client openai.Client
	model  string
}

func NewOpenAIPlanner(apiKey, model string) *OpenAIPlanner {
	return &OpenAIPlanner{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (p *OpenAIPlanner) Plan(ctx context.Context, prompt string) (types.Plan, types.TokenUpdate, error) {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(planSystemPrompt),
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return types.Plan{}, types.TokenUpdate{}, fmt.Errorf("planner: completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return types.Plan{}, types.TokenUpdate{}, fmt.Errorf("planner: empty completion")
	}

	usage := types.TokenUpdate{
		Prompt:     int(resp.Usage.PromptTokens),
		Completion: int(resp.Usage.CompletionTokens),
		Total:      int(resp.Usage.TotalTokens),
	}
	plan, err := parsePlanJSON(resp.Choices[0].Message.Content)
	if err != nil {
		return types.Plan{}, usage, err
	}
	return plan, usage, nil
}

// parsePlanJSON tolerates fenced or prefixed model output by locating the
// steps array with gjson instead of strict unmarshaling.
func parsePlanJSON(content string) (types.Plan, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	steps := gjson.Get(content, "steps")
	if !steps.Exists() || !steps.IsArray() {
		return types.Plan{}, fmt.Errorf("planner: response has no steps array")
	}

	var plan types.Plan
	for i, raw := range steps.Array() {
		step := types.Step{
			ID:     raw.Get("id").String(),
			Title:  raw.Get("title").String(),
			Tool:   raw.Get("tool").String(),
			Status: types.StepPending,
		}
		if step.ID == "" {
			step.ID = fmt.Sprintf("s%d", i+1)
		}
		if step.Title == "" {
			step.Title = step.Tool
		}
		if args := raw.Get("args"); args.Exists() {
			step.Args = args.Raw
		}
		for _, dep := range raw.Get("depends_on").Array() {
			step.DependsOn = append(step.DependsOn, dep.String())
		}
		plan.Steps = append(plan.Steps, step)
	}
	if len(plan.Steps) == 0 {
		return types.Plan{}, fmt.Errorf("planner: response has no steps")
	}
	return plan, nil
}

// HeuristicPlanner is the offline fallback: it splits the prompt into
// sequential phrases and guesses a tool per phrase. Used when no API key is
// configured, and by tests.
type HeuristicPlanner struct{}

func (HeuristicPlanner) Plan(_ context.Context, prompt string) (types.Plan, types.TokenUpdate, error) {
	phrases := splitPhrases(prompt)
	if len(phrases) == 0 {
		phrases = []string{prompt}
	}

	var plan types.Plan
	for i, phrase := range phrases {
		step := types.Step{
			ID:     fmt.Sprintf("s%d", i+1),
			Title:  phrase,
			Tool:   guessTool(phrase),
			Args:   fmt.Sprintf(`{"target":%q}`, guessTarget(phrase)),
			Status: types.StepPending,
		}
		if i > 0 {
			step.DependsOn = []string{fmt.Sprintf("s%d", i)}
		}
		plan.Steps = append(plan.Steps, step)
	}

	usage := types.TokenUpdate{Prompt: estimateTokens(prompt)}
	usage.Total = usage.Prompt
	return plan, usage, nil
}

func splitPhrases(prompt string) []string {
	normalized := strings.NewReplacer(" then ", "\n", "; ", "\n", ". ", "\n").Replace(prompt)
	var phrases []string
	for _, part := range strings.Split(normalized, "\n") {
		part = strings.TrimSpace(strings.TrimSuffix(part, "."))
		if part != "" {
			phrases = append(phrases, part)
		}
	}
	return phrases
}

func guessTool(phrase string) string {
	lower := strings.ToLower(phrase)
	switch {
	case strings.Contains(lower, "delete") || strings.Contains(lower, "remove"):
		return "delete_file"
	case strings.Contains(lower, "share") || strings.Contains(lower, "link"):
		return "share_link"
	case strings.Contains(lower, "move") || strings.Contains(lower, "rename"):
		return "move_file"
	case strings.Contains(lower, "write") || strings.Contains(lower, "save") || strings.Contains(lower, "create"):
		return "write_file"
	case strings.Contains(lower, "find") || strings.Contains(lower, "search") || strings.Contains(lower, "list"):
		return "search"
	default:
		return "read_file"
	}
}

func guessTarget(phrase string) string {
	for _, word := range strings.Fields(phrase) {
		trimmed := strings.Trim(word, `"'.,`)
		if strings.ContainsAny(trimmed, "/.") && len(trimmed) > 1 {
			return trimmed
		}
	}
	return ""
}

func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}
