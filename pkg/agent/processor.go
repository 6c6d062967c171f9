package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// PromptProcessor builds prompts from accumulated history and decides when
// the run has reached a final answer.
type PromptProcessor interface {
	FormatPrompt(stepIndex int) (string, error)
	EnableToolCallsForStep(stepIndex int) bool
	// Extract pulls thinking and final answer sections out of model text.
	Extract(text string, hasToolCalls bool) *ExtractorResult
	ProcessStepResult(step AgentStep)
	// StopSignal is non-nil once the loop should stop, typically holding the
	// final answer.
	StopSignal() *string
	AddUserMessage(message string)
	Reset()
	Stats() ProcessorStats
}

// DefaultSystemPrompt describes the response format StandardPromptProcessor
// extracts.
const DefaultSystemPrompt = `You are a capable assistant that solves tasks step by step using the tools available to you.
Reason inside <think></think> tags before acting.
Call tools when you need information or need to change something; their results are shown to you in the next step.
When the task is complete, reply with the answer inside <final_answer></final_answer> tags and make no further tool calls.`

const (
	defaultHistoryWindow = 8
	maxRenderedResult    = 2000
)

var (
	thinkPattern       = regexp.MustCompile(`(?s)<think>(.*?)</think>`)
	finalAnswerPattern = regexp.MustCompile(`(?s)<final_answer>(.*?)</final_answer>`)
)

// ProcessorConfig configures StandardPromptProcessor.
type ProcessorConfig struct {
	// HistoryWindow is how many recent steps are rendered in full; older
	// steps are summarized in one line. Zero means 8.
	HistoryWindow int
	// FinalAnswerWithoutTools treats a response with no tool calls and no
	// final_answer tag as the final answer.
	FinalAnswerWithoutTools bool
	// ToolCallsEnabled overrides EnableToolCallsForStep; nil enables tools
	// on every step.
	ToolCallsEnabled func(stepIndex int) bool
}

// StandardPromptProcessor renders user messages and step history into a
// single prompt.
type StandardPromptProcessor struct {
	cfg ProcessorConfig

	mu           sync.Mutex
	userMessages []string
	steps        []AgentStep
	finalAnswer  *string
	currentStep  int
}

func NewStandardPromptProcessor(cfg ProcessorConfig) *StandardPromptProcessor {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	return &StandardPromptProcessor{cfg: cfg}
}

// AddUserMessage starts a new turn and clears any previous final answer.
func (p *StandardPromptProcessor) AddUserMessage(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userMessages = append(p.userMessages, message)
	p.finalAnswer = nil
}

func (p *StandardPromptProcessor) FormatPrompt(stepIndex int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.userMessages) == 0 {
		return "", fmt.Errorf("no user message to respond to")
	}

	var b strings.Builder
	b.WriteString("## Conversation\n")
	for _, msg := range p.userMessages {
		fmt.Fprintf(&b, "User: %s\n", msg)
	}

	if len(p.steps) > 0 {
		b.WriteString("\n## Previous steps\n")
		visible := p.steps
		if omitted := len(p.steps) - p.cfg.HistoryWindow; omitted > 0 {
			fmt.Fprintf(&b, "[%d earlier steps omitted]\n", omitted)
			visible = p.steps[omitted:]
		}
		for _, step := range visible {
			renderStep(&b, step)
		}
	}

	fmt.Fprintf(&b, "\n## Current step\nThis is step %d.", stepIndex)
	if len(p.steps) > 0 {
		b.WriteString(" Continue from the results above.")
	}
	b.WriteString(" Put your reasoning in <think></think> and the finished answer in <final_answer></final_answer>.\n")
	return b.String(), nil
}

func renderStep(b *strings.Builder, step AgentStep) {
	fmt.Fprintf(b, "\n### Step %d\n", step.StepIndex)
	if step.RawText != "" {
		fmt.Fprintf(b, "Assistant: %s\n", strings.TrimSpace(step.RawText))
	}
	for _, call := range step.ToolCalls {
		fmt.Fprintf(b, "Tool call %s (%s): %s\n", call.Name, call.CallID, renderValue(call.Parameters))
	}
	for _, res := range step.ToolExecutionResults {
		if res.Succeeded() {
			fmt.Fprintf(b, "Result %s (%s): %s\n", res.Name, res.CallID, renderValue(res.Result))
		} else {
			fmt.Fprintf(b, "Result %s (%s) failed: %s\n", res.Name, res.CallID, res.Message)
		}
	}
	if step.Error != "" {
		fmt.Fprintf(b, "Step error: %s\n", step.Error)
	}
}

func renderValue(v interface{}) string {
	var s string
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		s = val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			s = fmt.Sprintf("%v", val)
		} else {
			s = string(data)
		}
	}
	if len(s) > maxRenderedResult {
		s = s[:maxRenderedResult] + "... [truncated]"
	}
	return s
}

func (p *StandardPromptProcessor) EnableToolCallsForStep(stepIndex int) bool {
	if p.cfg.ToolCallsEnabled != nil {
		return p.cfg.ToolCallsEnabled(stepIndex)
	}
	return true
}

func (p *StandardPromptProcessor) Extract(text string, hasToolCalls bool) *ExtractorResult {
	res := &ExtractorResult{}
	if m := thinkPattern.FindStringSubmatch(text); m != nil {
		res.Thinking = strings.TrimSpace(m[1])
	}
	if m := finalAnswerPattern.FindStringSubmatch(text); m != nil {
		res.FinalAnswer = strings.TrimSpace(m[1])
	}

	response := thinkPattern.ReplaceAllString(text, "")
	response = finalAnswerPattern.ReplaceAllString(response, "")
	res.Response = strings.TrimSpace(response)

	if res.FinalAnswer == "" && p.cfg.FinalAnswerWithoutTools && !hasToolCalls {
		res.FinalAnswer = res.Response
	}
	return res
}

func (p *StandardPromptProcessor) ProcessStepResult(step AgentStep) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.steps = append(p.steps, step)
	p.currentStep = step.StepIndex + 1
	if step.ExtractorResult != nil && step.ExtractorResult.FinalAnswer != "" {
		answer := step.ExtractorResult.FinalAnswer
		p.finalAnswer = &answer
	}
}

func (p *StandardPromptProcessor) StopSignal() *string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finalAnswer
}

func (p *StandardPromptProcessor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userMessages = nil
	p.steps = nil
	p.finalAnswer = nil
	p.currentStep = 0
}

func (p *StandardPromptProcessor) Stats() ProcessorStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := ProcessorStats{
		TotalMessages: len(p.userMessages) + len(p.steps),
		CurrentStep:   p.currentStep,
	}
	if p.finalAnswer != nil {
		stats.HasFinalAnswer = true
		stats.FinalAnswer = *p.finalAnswer
	}
	return stats
}
