// Package llmmerge implements the LLM merge client (C2): it sends a cluster
// of blocks to a chat-completion endpoint and parses back one or more merged
// ideablocks, with bounded retries and exponential backoff.
package llmmerge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/fyrsmithlabs/distillsvc/internal/httpretry"
	"golang.org/x/time/rate"
)

// Default configuration values (spec.md §4.2).
const (
	DefaultModel          = "distill"
	DefaultTemperature    = 0.5
	DefaultMaxTokens      = 8192
	DefaultTimeout        = 180 * time.Second
	DefaultMaxRetries     = 3
	DefaultBaseBackoff    = 2 * time.Second
	defaultRateLimit      = 50.0 / 60.0
	defaultBurst          = 5
)

// Block is the minimal shape the merge client reads from and writes to; the
// dedupe package's Block satisfies this shape via conversion at the call site.
type Block struct {
	Name             string
	CriticalQuestion string
	TrustedAnswer    string
}

// ErrEmptyMerge indicates the model returned ok with no merged blocks, which
// the contract treats as a failure rather than a valid empty result.
var ErrEmptyMerge = errors.New("llmmerge: empty merged result")

// Config configures a Client.
type Config struct {
	BaseURL     string
	Model       string
	APIKey      string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	RateLimit   float64
	Burst       int
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Temperature == 0 {
		c.Temperature = DefaultTemperature
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.RateLimit <= 0 {
		c.RateLimit = defaultRateLimit
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
}

// Client merges a cluster of blocks via a chat-completion endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new LLM merge client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("llmmerge: base URL required")
	}
	cfg.applyDefaults()

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
	}, nil
}

// chatRequest is an Anthropic-compatible messages request.
type chatRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

const mergeSystemPrompt = `You are consolidating overlapping knowledge blocks into a minimal set of distinct ideas. Each input is an <ideablock> with a name, critical question, and trusted answer. Merge blocks that represent the same idea into one block; keep blocks that represent genuinely distinct ideas separate. Respond with one or more <ideablock> elements, each containing <name>, <critical_question>, and <trusted_answer>. Respond with nothing else.`

// Merge sends blocks to the distill model and returns the merged result.
// A request that cannot be sent, a 429 or 5xx status, or an unparseable or
// empty response is retried with exponential backoff, up to cfg.MaxRetries
// attempts in total; any other non-2xx status fails at once. The last error
// is returned when the attempts run out.
func (c *Client) Merge(ctx context.Context, blocks []Block) ([]Block, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("llmmerge: no blocks to merge")
	}

	req := chatRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		System:      mergeSystemPrompt,
		Messages: []chatMessage{
			{Role: "user", Content: serializeIdeaBlocks(blocks)},
		},
	}

	policy := httpretry.Policy{MaxAttempts: c.cfg.MaxRetries, BaseBackoff: c.cfg.BaseBackoff}
	return httpretry.Do(ctx, policy, func(ctx context.Context, _ int) ([]Block, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		return c.doMerge(ctx, req)
	})
}

func (c *Client) doMerge(ctx context.Context, req chatRequest) ([]Block, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.cfg.APIKey)
	httpReq.Header.Set("Anthropic-Version", "2023-06-01")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, httpretry.Retryable(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if httpretry.RetryableStatus(resp.StatusCode) {
		return nil, httpretry.Retryable(fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, httpretry.Retryable(fmt.Errorf("decoding response: %w", err))
	}
	if len(chatResp.Content) == 0 {
		return nil, httpretry.Retryable(fmt.Errorf("empty response content"))
	}

	merged, err := parseIdeaBlocks(chatResp.Content[0].Text)
	if err != nil {
		return nil, httpretry.Retryable(err)
	}
	if len(merged) == 0 {
		return nil, httpretry.Retryable(ErrEmptyMerge)
	}
	return merged, nil
}

// serializeIdeaBlocks renders blocks as concatenated <ideablock> fragments
// with no separators, per spec.md §4.2's request format.
func serializeIdeaBlocks(blocks []Block) string {
	var sb strings.Builder
	for _, b := range blocks {
		sb.WriteString("<ideablock><name>")
		sb.WriteString(xmlEscape(b.Name))
		sb.WriteString("</name><critical_question>")
		sb.WriteString(xmlEscape(b.CriticalQuestion))
		sb.WriteString("</critical_question><trusted_answer>")
		sb.WriteString(xmlEscape(b.TrustedAnswer))
		sb.WriteString("</trusted_answer></ideablock>")
	}
	return sb.String()
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

var (
	ideablockRe = regexp.MustCompile(`(?is)<ideablock>(.*?)</ideablock>`)
	truncatedRe = regexp.MustCompile(`(?is)<ideablock>(.*)$`)

	fieldAliases = map[string][]string{
		"name":             {"name", "n"},
		"criticalQuestion": {"critical_question", "criticalquestion", "question"},
		"trustedAnswer":    {"trusted_answer", "trustedanswer", "answer"},
	}
)

// parseIdeaBlocks parses the model's response text into blocks, per
// spec.md §4.2's greedy/truncated/JSON fallback chain.
func parseIdeaBlocks(text string) ([]Block, error) {
	matches := ideablockRe.FindAllStringSubmatch(text, -1)
	var blocks []Block
	for _, m := range matches {
		if b, ok := parseIdeaBlockFields(m[1], false); ok {
			blocks = append(blocks, b)
		}
	}
	if len(blocks) > 0 {
		return blocks, nil
	}

	if m := truncatedRe.FindStringSubmatch(text); m != nil {
		if b, ok := parseIdeaBlockFields(m[1], true); ok {
			return []Block{b}, nil
		}
	}

	return parseIdeaBlocksJSON(text)
}

// parseIdeaBlockFields extracts the three fields from one block's inner text.
// With openEnded set (the truncated fallback), a field whose closing tag is
// missing runs to the end of the text.
func parseIdeaBlockFields(inner string, openEnded bool) (Block, bool) {
	name := firstTagValue(inner, fieldAliases["name"], openEnded)
	question := firstTagValue(inner, fieldAliases["criticalQuestion"], openEnded)
	answer := firstTagValue(inner, fieldAliases["trustedAnswer"], openEnded)
	if name == "" || question == "" || answer == "" {
		return Block{}, false
	}
	return Block{Name: name, CriticalQuestion: question, TrustedAnswer: answer}, true
}

func firstTagValue(s string, tags []string, openEnded bool) string {
	for _, tag := range tags {
		end := `</` + regexp.QuoteMeta(tag) + `>`
		if openEnded {
			end = `(?:` + end + `|$)`
		}
		re := regexp.MustCompile(`(?is)<` + regexp.QuoteMeta(tag) + `>(.*?)` + end)
		if m := re.FindStringSubmatch(s); m != nil {
			if v := strings.TrimSpace(m[1]); v != "" {
				return v
			}
		}
	}
	return ""
}

// parseIdeaBlocksJSON is the final fallback: accept a JSON object/array, or
// the same wrapped in a fenced ```json code block, containing the three
// aliased fields.
func parseIdeaBlocksJSON(text string) ([]Block, error) {
	content := strings.TrimSpace(text)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var raw []map[string]any
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		var single map[string]any
		if err2 := json.Unmarshal([]byte(content), &single); err2 != nil {
			return nil, fmt.Errorf("parsing response: %w", err)
		}
		raw = []map[string]any{single}
	}

	var blocks []Block
	for _, obj := range raw {
		name := firstMapValue(obj, fieldAliases["name"])
		question := firstMapValue(obj, fieldAliases["criticalQuestion"])
		answer := firstMapValue(obj, fieldAliases["trustedAnswer"])
		if name == "" || question == "" || answer == "" {
			continue
		}
		blocks = append(blocks, Block{Name: name, CriticalQuestion: question, TrustedAnswer: answer})
	}
	return blocks, nil
}

func firstMapValue(obj map[string]any, keys []string) string {
	for _, k := range keys {
		for objKey, v := range obj {
			if !strings.EqualFold(objKey, k) {
				continue
			}
			if s, ok := v.(string); ok {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					return trimmed
				}
			}
		}
	}
	return ""
}
