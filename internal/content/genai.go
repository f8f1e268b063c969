package content

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/austindbirch/outreach/internal/config"
)

const defaultModel = "gemini-2.5-flash"

// GenAIGenerator writes emails and classifies replies with Gemini
type GenAIGenerator struct {
	client      *genai.Client
	model       string
	inputPrice  float64
	outputPrice float64
}

func NewGenAIGenerator(ctx context.Context, cfg config.GenAI) (*GenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &GenAIGenerator{
		client:      client,
		model:       model,
		inputPrice:  cfg.InputPricePerMTok,
		outputPrice: cfg.OutputPricePerMTok,
	}, nil
}

const writerInstruction = `You write short, plain cold emails to owners of local trade businesses.
Write like a person, not a marketer. No more than 120 words. No links, no images, no emojis.
Return JSON with keys "subject" and "body". The body is plain text with blank lines between paragraphs
and must not include a signature.`

const classifierInstruction = `Classify the email reply into one label:
interested, not_interested, unsubscribe, out_of_office, other.
Return JSON with keys "label" and "confidence" (0 to 1).`

func (g *GenAIGenerator) Generate(ctx context.Context, p Prompt) (Generated, error) {
	resp, err := g.call(ctx, writerInstruction, userPrompt(p))
	var out Generated
	if resp != nil {
		out.CostUSD = g.cost(resp.UsageMetadata)
	}
	if err != nil {
		return out, fmt.Errorf("generate email: %w", err)
	}

	var body struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := json.Unmarshal([]byte(resp.Text()), &body); err != nil {
		return out, fmt.Errorf("decode generated email: %w", err)
	}
	if strings.TrimSpace(body.Subject) == "" || strings.TrimSpace(body.Body) == "" {
		return out, fmt.Errorf("generated email is empty")
	}
	out.Subject, out.Body = body.Subject, body.Body
	return out, nil
}

func (g *GenAIGenerator) Classify(ctx context.Context, text string) (Classification, error) {
	resp, err := g.call(ctx, classifierInstruction, text)
	var out Classification
	if resp != nil {
		out.CostUSD = g.cost(resp.UsageMetadata)
	}
	if err != nil {
		return out, fmt.Errorf("classify reply: %w", err)
	}
	var body struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(resp.Text()), &body); err != nil {
		return out, fmt.Errorf("decode classification: %w", err)
	}
	out.Label = NormalizeLabel(body.Label)
	out.Confidence = body.Confidence
	return out, nil
}

func (g *GenAIGenerator) call(ctx context.Context, instruction, text string) (*genai.GenerateContentResponse, error) {
	temperature := float32(0.7)
	return g.client.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(instruction, genai.RoleUser),
			Temperature:       &temperature,
			ResponseMIMEType:  "application/json",
		},
	)
}

func (g *GenAIGenerator) cost(u *genai.GenerateContentResponseUsageMetadata) float64 {
	if u == nil {
		return 0
	}
	return TokenCost(int(u.PromptTokenCount), int(u.CandidatesTokenCount), g.inputPrice, g.outputPrice)
}

// TokenCost prices a call from token counts and per-million prices
func TokenCost(in, out int, inPrice, outPrice float64) float64 {
	return float64(in)/1e6*inPrice + float64(out)/1e6*outPrice
}

// NormalizeLabel maps model output onto the known labels
func NormalizeLabel(label string) string {
	l := strings.ToLower(strings.TrimSpace(label))
	l = strings.ReplaceAll(l, " ", "_")
	switch l {
	case LabelInterested, LabelNotInterested, LabelUnsubscribe, LabelOutOfOffice:
		return l
	}
	return LabelOther
}

func userPrompt(p Prompt) string {
	var b strings.Builder
	pr := p.Prospect
	fmt.Fprintf(&b, "Business: %s\n", pr.BusinessName)
	if pr.FirstName != "" {
		fmt.Fprintf(&b, "Owner first name: %s\n", pr.FirstName)
	}
	fmt.Fprintf(&b, "Trade: %s\nCity: %s, %s\n", pr.Trade, pr.City, pr.State)
	fmt.Fprintf(&b, "Sender: %s\n", p.Sender.Name)
	if p.Step <= 1 {
		b.WriteString("This is the first email.\n")
	} else {
		fmt.Fprintf(&b, "This is follow-up number %d to an unanswered email", p.Step-1)
		if p.PreviousSubject != "" {
			fmt.Fprintf(&b, " with subject %q", p.PreviousSubject)
		}
		b.WriteString(".\n")
	}
	if p.ExtraInstructions != "" {
		fmt.Fprintf(&b, "Additional instructions: %s\n", p.ExtraInstructions)
	}
	return b.String()
}
